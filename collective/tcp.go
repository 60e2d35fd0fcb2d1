package collective

import (
	"encoding/gob"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// joinTimeout bounds the whole rendezvous: listeners stop accepting and
// dialers stop retrying after this long.
const joinTimeout = 30 * time.Second

const (
	frameHello byte = iota + 1
	frameArrive
	frameRelease
)

type frame struct {
	Kind byte
	Rank int
}

// peer is one open connection with a gob codec on each side.
type peer struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
}

func newPeer(conn net.Conn) *peer {
	return &peer{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
}

// tcpGroup is the built-in transport: rank 0 listens on the rendezvous port
// and every other rank holds one connection to it. Barriers run over that
// star: arrivals flow in, a release fans out.
type tcpGroup struct {
	rank  int
	world int

	ln    net.Listener  // rank 0 only
	peers map[int]*peer // rank 0: by remote rank
	up    *peer         // other ranks: link to rank 0

	closeOnce sync.Once
}

func joinTCP(rawurl string, world, rank int) (Group, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, errors.Wrapf(err, "collective: rendezvous url %q", rawurl)
	}
	if u.Scheme != "tcp" || u.Host == "" {
		return nil, errors.Errorf("collective: rendezvous url %q, want tcp://host:port", rawurl)
	}
	g := &tcpGroup{rank: rank, world: world}
	if rank == 0 {
		err = g.listen(u.Host)
	} else {
		err = g.dial(u.Host)
	}
	if err != nil {
		g.Close()
		return nil, err
	}
	return g, nil
}

// listen binds the rendezvous endpoint and waits for every other rank to
// introduce itself.
func (g *tcpGroup) listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "collective: bind rendezvous %s", addr)
	}
	g.ln = ln
	g.peers = make(map[int]*peer, g.world-1)
	deadline := time.Now().Add(joinTimeout)
	if tl, ok := ln.(*net.TCPListener); ok {
		tl.SetDeadline(deadline)
	}
	for len(g.peers) < g.world-1 {
		conn, err := ln.Accept()
		if err != nil {
			return errors.Wrapf(err, "collective: rendezvous with %d of %d ranks pending",
				g.world-1-len(g.peers), g.world)
		}
		p := newPeer(conn)
		var hello frame
		if err := p.dec.Decode(&hello); err != nil || hello.Kind != frameHello {
			conn.Close()
			return errors.Errorf("collective: bad hello from %s", conn.RemoteAddr())
		}
		if hello.Rank <= 0 || hello.Rank >= g.world {
			conn.Close()
			return errors.Errorf("collective: hello from out-of-range rank %d", hello.Rank)
		}
		if _, dup := g.peers[hello.Rank]; dup {
			conn.Close()
			return errors.Errorf("collective: duplicate rank %d", hello.Rank)
		}
		g.peers[hello.Rank] = p
	}
	return nil
}

// dial connects to rank 0, retrying while it is still coming up.
func (g *tcpGroup) dial(addr string) error {
	deadline := time.Now().Add(joinTimeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			g.up = newPeer(conn)
			return errors.Wrapf(g.up.enc.Encode(frame{Kind: frameHello, Rank: g.rank}),
				"collective: hello from rank %d", g.rank)
		}
		if time.Now().After(deadline) {
			return errors.Wrapf(err, "collective: rank %d cannot reach rendezvous %s", g.rank, addr)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (g *tcpGroup) Rank() int      { return g.rank }
func (g *tcpGroup) WorldSize() int { return g.world }

func (g *tcpGroup) Barrier() error {
	if g.world == 1 {
		return nil
	}
	if g.rank == 0 {
		for rank, p := range g.peers {
			var f frame
			if err := p.dec.Decode(&f); err != nil {
				return errors.Wrapf(err, "collective: barrier wait for rank %d", rank)
			}
			if f.Kind != frameArrive {
				return errors.Errorf("collective: unexpected frame %d from rank %d", f.Kind, rank)
			}
		}
		for rank, p := range g.peers {
			if err := p.enc.Encode(frame{Kind: frameRelease}); err != nil {
				return errors.Wrapf(err, "collective: barrier release rank %d", rank)
			}
		}
		return nil
	}
	if err := g.up.enc.Encode(frame{Kind: frameArrive, Rank: g.rank}); err != nil {
		return errors.Wrapf(err, "collective: barrier arrive rank %d", g.rank)
	}
	var f frame
	if err := g.up.dec.Decode(&f); err != nil {
		return errors.Wrapf(err, "collective: barrier release wait rank %d", g.rank)
	}
	if f.Kind != frameRelease {
		return errors.Errorf("collective: unexpected frame %d at rank %d", f.Kind, g.rank)
	}
	return nil
}

func (g *tcpGroup) Close() error {
	g.closeOnce.Do(func() {
		if g.ln != nil {
			g.ln.Close()
		}
		for _, p := range g.peers {
			p.conn.Close()
		}
		if g.up != nil {
			g.up.conn.Close()
		}
	})
	return nil
}
