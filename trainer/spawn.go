package trainer

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/pkg/errors"
)

// worker is the orchestrator's handle on one spawned rank.
type worker struct {
	rank int
	cmd  *exec.Cmd
	done chan struct{} // closed once the process has been reaped
	err  error
}

// spawn re-executes the current binary as the given rank. The rank, world
// size, rendezvous port, queue endpoint and run id travel through the
// environment; everything else the worker needs it rebuilds by running the
// same program.
func (t *Trainer) spawn(rank, world int, queueAddr string) (*worker, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "trainer: locate executable")
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%d", envRank, rank),
		fmt.Sprintf("%s=%d", envWorld, world),
		fmt.Sprintf("%s=%d", envPort, t.port()),
		fmt.Sprintf("%s=%s", envQueue, queueAddr),
		fmt.Sprintf("%s=%s", envRun, t.run),
	)
	// only rank 0 writes through to the caller's stdout; every rank keeps
	// stderr so crashes stay visible
	if rank == 0 {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "trainer: spawn worker %d", rank)
	}
	w := &worker{rank: rank, cmd: cmd, done: make(chan struct{})}
	go func() {
		w.err = cmd.Wait()
		close(w.done)
	}()
	return w, nil
}

func (w *worker) alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// waitErr is the process exit error, nil while it still runs.
func (w *worker) waitErr() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

// terminate kills the process if it is still running and always joins it.
// Idempotent.
func (w *worker) terminate() {
	if w.alive() {
		w.cmd.Process.Kill()
	}
	<-w.done
}
