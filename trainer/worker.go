package trainer

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/user"
	"strconv"

	"github.com/pkg/errors"

	"github.com/neurlang/distributed/collective"
	"github.com/neurlang/distributed/device"
	"github.com/neurlang/distributed/loader"
)

const (
	envRank  = "NEURLANG_DIST_RANK"
	envWorld = "NEURLANG_DIST_WORLD"
	envPort  = "NEURLANG_DIST_PORT"
	envQueue = "NEURLANG_DIST_QUEUE"
	envRun   = "NEURLANG_DIST_RUN"
)

// IsWorker reports whether this process was spawned as a training worker.
// Programs that need different setup inside workers (test harnesses, mostly)
// can branch on it before building their Trainer.
func IsWorker() bool {
	_, ok := workerRank()
	return ok
}

// rendezvousPort prefers the port the spawning orchestrator exported: the
// worker's own reconstruction of the Trainer may have picked another one.
func rendezvousPort(fallback int) int {
	if v := os.Getenv(envPort); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			return p
		}
	}
	return fallback
}

func workerRank() (int, bool) {
	v := os.Getenv(envRank)
	if v == "" {
		return 0, false
	}
	rank, err := strconv.Atoi(v)
	if err != nil || rank < 0 {
		return 0, false
	}
	return rank, true
}

// maybeWorker diverts spawned ranks into the worker loop. A worker process
// exists only to run its epochs; it never returns to the caller's program.
func (t *Trainer) maybeWorker() {
	rank, ok := workerRank()
	if !ok {
		return
	}
	if err := t.workerMain(rank); err != nil {
		fmt.Fprintf(os.Stderr, "worker %d: %+v\n", rank, err)
		os.Exit(1)
	}
	os.Exit(0)
}

// workerMain is the whole life of one spawned rank. The completion sentinel
// always goes out, panic or not, after the process group has been left; when
// the run failed the sentinel carries the error so the orchestrator can tell
// a clean finish from an early death.
func (t *Trainer) workerMain(rank int) (err error) {
	world, werr := strconv.Atoi(os.Getenv(envWorld))
	if werr != nil || world < 1 {
		return errors.Errorf("trainer: bad world size %q", os.Getenv(envWorld))
	}
	if rank >= world {
		return errors.Errorf("trainer: rank %d outside world of %d", rank, world)
	}
	setProcTitle(fmt.Sprintf("%s/distributed/worker/%d", username(), rank))

	q, qerr := dialQueue(os.Getenv(envQueue))
	if qerr != nil {
		return qerr
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("trainer: worker %d panic: %v", rank, r)
		}
		m := message{Rank: rank, Done: true}
		if err != nil {
			m.Err = err.Error()
		}
		q.put(m)
		q.Close()
	}()
	return t.runEpochs(rank, world, q)
}

func (t *Trainer) runEpochs(rank, world int, q *queueClient) error {
	dev, err := t.Backend.Open(rank)
	if err != nil {
		return errors.Wrapf(err, "trainer: bind device %d", rank)
	}
	defer dev.Close()

	group, err := collective.Join("tcp", fmt.Sprintf("tcp://localhost:%d", rendezvousPort(t.port())), world, rank)
	if err != nil {
		return errors.Wrapf(err, "trainer: rank %d join process group", rank)
	}
	defer group.Close()

	compute, err := dev.NewStream()
	if err != nil {
		return errors.Wrap(err, "trainer: compute stream")
	}
	helper, err := dev.NewStream()
	if err != nil {
		return errors.Wrap(err, "trainer: helper stream")
	}

	// move the model on the helper stream, then keep compute behind it
	model, err := t.Model.To(dev, helper)
	if err != nil {
		return errors.Wrapf(err, "trainer: move model to device %d", rank)
	}
	if err := compute.Wait(helper); err != nil {
		return err
	}
	if t.Sync != nil {
		model, err = t.Sync.Wrap(model, dev, group)
		if err != nil {
			return errors.Wrap(err, "trainer: wrap model for gradient sync")
		}
	}

	train, err := loader.NewSharded(t.Train, rank, world)
	if err != nil {
		return errors.Wrap(err, "trainer: shard train loader")
	}
	test, err := loader.NewSharded(t.Test, rank, world)
	if err != nil {
		return errors.Wrap(err, "trainer: shard test loader")
	}
	ptrain, err := loader.NewPrefetch(train, dev, compute)
	if err != nil {
		return err
	}
	ptest, err := loader.NewPrefetch(test, dev, compute)
	if err != nil {
		return err
	}

	var sink io.Writer = io.Discard
	if rank == 0 {
		sink = os.Stderr
	}
	args := &Args{
		Rank:  rank,
		Model: model,
		Train: ptrain,
		Test:  ptest,
		Log:   log.New(sink, fmt.Sprintf("[run %s rank %d] ", t.run, rank), log.LstdFlags),
	}

	for epoch := 1; epoch <= t.epochCount(); epoch++ {
		args.Epoch = epoch
		train.SetEpoch(epoch)
		test.SetEpoch(epoch)
		model.SetTraining(true)

		out, err := t.Step(args)
		if err != nil {
			return errors.Wrapf(err, "trainer: rank %d epoch %d", rank, epoch)
		}
		tuple, err := normalize(out)
		if err != nil {
			return errors.Wrapf(err, "trainer: rank %d epoch %d result", rank, epoch)
		}
		if tuple != nil {
			if err := q.put(message{Rank: rank, Values: tuple}); err != nil {
				return err
			}
		}
		// no rank starts the next epoch before every rank has pushed
		if err := group.Barrier(); err != nil {
			return errors.Wrapf(err, "trainer: rank %d epoch %d barrier", rank, epoch)
		}
	}
	return nil
}

// normalize maps a step result onto the queue's tagged shape: nil stays
// empty, a lone scalar becomes a 1-tuple and tensor elements are copied off
// the device as host floats. Plain values pass through unchanged.
func normalize(out interface{}) (Tuple, error) {
	switch v := out.(type) {
	case nil:
		return nil, nil
	case Tuple:
		return normalizeTuple(v)
	case []interface{}:
		return normalizeTuple(v)
	default:
		e, err := normalizeElem(v)
		if err != nil {
			return nil, err
		}
		return Tuple{e}, nil
	}
}

func normalizeTuple(in []interface{}) (Tuple, error) {
	out := make(Tuple, len(in))
	for i, e := range in {
		n, err := normalizeElem(e)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func normalizeElem(e interface{}) (interface{}, error) {
	t, ok := device.AsTensor(e)
	if !ok {
		return e, nil
	}
	f, err := t.Scalar()
	if err != nil {
		return nil, errors.Wrap(err, "trainer: copy result scalar to host")
	}
	return f, nil
}

func username() string {
	u, err := user.Current()
	if err != nil {
		return "unknown"
	}
	return u.Username
}
