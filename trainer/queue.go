package trainer

import (
	"encoding/gob"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Tuple is one worker's per-epoch result: scalars already converted to host
// values, plus any plain values the step function returned untouched.
type Tuple []interface{}

// message is one item on the result queue: either a worker's per-epoch tuple
// or its completion sentinel. A sentinel carries the worker's error text when
// the worker died early, so the orchestrator can tell the two apart.
type message struct {
	Rank   int
	Done   bool
	Err    string
	Values Tuple
}

func init() {
	// concrete types a Tuple element may carry across the process boundary
	gob.Register(float64(0))
	gob.Register(float32(0))
	gob.Register(int(0))
	gob.Register(int64(0))
	gob.Register("")
	gob.Register(false)
}

// queue is the orchestrator side of the result channel: a multi-producer,
// single-consumer rendezvous backed by one TCP connection per worker. It is
// the only state shared between the orchestrator and its workers.
type queue struct {
	ln     net.Listener
	C      chan message
	closed chan struct{}
	once   sync.Once
}

func newQueue(world int) (*queue, error) {
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return nil, errors.Wrap(err, "trainer: result queue listen")
	}
	q := &queue{
		ln:     ln,
		C:      make(chan message, 2*world),
		closed: make(chan struct{}),
	}
	go q.accept()
	return q, nil
}

// Addr is the endpoint workers dial, passed to them through the environment.
func (q *queue) Addr() string { return q.ln.Addr().String() }

func (q *queue) accept() {
	for {
		conn, err := q.ln.Accept()
		if err != nil {
			return
		}
		go q.serve(conn)
	}
}

func (q *queue) serve(conn net.Conn) {
	defer conn.Close()
	dec := gob.NewDecoder(conn)
	for {
		var m message
		if err := dec.Decode(&m); err != nil {
			return
		}
		select {
		case q.C <- m:
		case <-q.closed:
			return
		}
	}
}

func (q *queue) Close() {
	q.once.Do(func() {
		close(q.closed)
		q.ln.Close()
	})
}

// queueClient is the worker-side producer.
type queueClient struct {
	conn net.Conn
	enc  *gob.Encoder
}

func dialQueue(addr string) (*queueClient, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, errors.Wrapf(err, "trainer: dial result queue %s", addr)
	}
	return &queueClient{conn: conn, enc: gob.NewEncoder(conn)}, nil
}

func (q *queueClient) put(m message) error {
	return errors.Wrap(q.enc.Encode(m), "trainer: enqueue result")
}

func (q *queueClient) Close() error { return q.conn.Close() }
