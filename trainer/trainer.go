package trainer

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/neurlang/distributed/device"
	"github.com/neurlang/distributed/loader"
)

// DefaultPort is the rendezvous port used when none is configured.
const DefaultPort = 8888

// defaultStall is how often the drain loop checks worker liveness while no
// result arrives.
const defaultStall = 5 * time.Second

// Trainer owns one data-parallel training run: the worker processes, the
// result queue and their guaranteed teardown. World size is the number of
// devices the backend reports.
type Trainer struct {
	Step    Step
	Model   Model
	Train   loader.Config
	Test    loader.Config
	Epochs  int
	Port    int
	Backend device.Backend

	// Sync is the engine's gradient synchronizer; nil leaves the model
	// unwrapped.
	Sync Synchronizer

	// Stall is the liveness-check interval of the drain loop. A worker that
	// exits without its completion sentinel turns the next check into an
	// error instead of blocking the run forever.
	Stall time.Duration

	run string
}

// New validates a run configuration. Configuration errors (a rendezvous port
// already in use, a batch size that does not divide across the devices)
// surface here, before any process is spawned. epochs and port fall back to
// 1 and DefaultPort when zero.
func New(step Step, model Model, train, test loader.Config, epochs, port int, backend device.Backend) (*Trainer, error) {
	if step == nil {
		return nil, errors.New("trainer: nil step function")
	}
	if model == nil {
		return nil, errors.New("trainer: nil model")
	}
	if backend == nil {
		return nil, errors.New("trainer: nil device backend")
	}
	if epochs < 1 {
		epochs = 1
	}
	if port < 1 {
		port = DefaultPort
	}
	world := backend.Count()
	if world < 1 {
		return nil, errors.New("trainer: no devices available")
	}
	if err := train.Validate(world); err != nil {
		return nil, errors.Wrap(err, "trainer: train loader")
	}
	if err := test.Validate(world); err != nil {
		return nil, errors.Wrap(err, "trainer: test loader")
	}
	t := &Trainer{
		Step:    step,
		Model:   model,
		Train:   train,
		Test:    test,
		Epochs:  epochs,
		Port:    port,
		Backend: backend,
	}
	if IsWorker() {
		// the parent probed the port before spawning; by now rank 0 holds it
		t.run = os.Getenv(envRun)
		return t, nil
	}
	if PortInUse(port) {
		return nil, errors.Errorf("trainer: port %d is already in use", port)
	}
	t.run = uuid.NewString()
	return t, nil
}

// Results runs the training and streams one aggregated tuple per epoch to
// yield, in epoch order. The pass ends after every worker has completed;
// yield returning false cancels the run early. Teardown, which kills any
// worker still alive, joins it and releases cached device memory, runs on
// every exit path.
func (t *Trainer) Results(yield func(Tuple) bool) error {
	if yield == nil {
		return errors.New("trainer: nil yield")
	}
	return t.drain(yield)
}

// Run executes the full training run, discarding per-epoch results.
func (t *Trainer) Run() error {
	return t.drain(nil)
}

func (t *Trainer) drain(yield func(Tuple) bool) error {
	t.maybeWorker()

	world := t.Backend.Count()
	q, err := newQueue(world)
	if err != nil {
		return err
	}
	defer q.Close()

	var workers []*worker
	defer func() { t.teardown(workers) }()

	for rank := 0; rank < world; rank++ {
		w, err := t.spawn(rank, world, q.Addr())
		if err != nil {
			return err
		}
		workers = append(workers, w)
	}

	var (
		rounds   = newRoundBuffer(world)
		done     int
		finished = make([]bool, world)
		suspect  = make([]bool, world)
		failures []string
	)

	// handle consumes one queue item; stop means the consumer cancelled.
	handle := func(m message) (stop bool, err error) {
		if m.Done {
			done++
			if m.Rank >= 0 && m.Rank < world {
				finished[m.Rank] = true
			}
			if m.Err != "" {
				failures = append(failures, fmt.Sprintf("rank %d: %s", m.Rank, m.Err))
			}
			return false, nil
		}
		if yield == nil {
			return false, nil
		}
		round, ok, err := rounds.add(m.Rank, m.Values)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		out, err := Collate(round)
		if err != nil {
			return false, err
		}
		return !yield(out), nil
	}

	stall := t.Stall
	if stall <= 0 {
		stall = defaultStall
	}
	tick := time.NewTicker(stall)
	defer tick.Stop()

	for done < world {
		select {
		case m, ok := <-q.C:
			if !ok {
				return errors.New("trainer: result queue closed early")
			}
			stop, err := handle(m)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		case <-tick.C:
			// flush what already arrived before judging liveness
			for flushed := false; !flushed; {
				select {
				case m := <-q.C:
					stop, err := handle(m)
					if err != nil {
						return err
					}
					if stop {
						return nil
					}
				default:
					flushed = true
				}
			}
			if done >= world {
				break
			}
			for _, w := range workers {
				if w.alive() || finished[w.rank] {
					continue
				}
				// one grace tick for a sentinel still in flight
				if suspect[w.rank] {
					return errors.Errorf("trainer: worker %d exited without completing (%v)",
						w.rank, w.waitErr())
				}
				suspect[w.rank] = true
			}
		}
	}
	if len(failures) > 0 {
		return errors.Errorf("trainer: %s", strings.Join(failures, "; "))
	}
	return nil
}

// teardown forcibly terminates every worker still alive, joins them all and
// releases the backend's cached device memory. Safe to run repeatedly.
func (t *Trainer) teardown(workers []*worker) {
	for _, w := range workers {
		w.terminate()
	}
	if t.Backend != nil {
		t.Backend.ReleaseCache()
	}
}

func (t *Trainer) port() int {
	if t.Port > 0 {
		return t.Port
	}
	return DefaultPort
}

func (t *Trainer) epochCount() int {
	if t.Epochs > 0 {
		return t.Epochs
	}
	return 1
}
