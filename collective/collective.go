// Package collective provides the process-group primitive worker processes
// coordinate through: a rendezvous over a private localhost endpoint and a
// barrier that releases only once every rank has arrived.
package collective

import "github.com/pkg/errors"

// Group is one joined process group. A worker joins exactly one group for the
// lifetime of its run and closes it on the way out, normal or not.
type Group interface {
	Rank() int
	WorldSize() int

	// Barrier blocks until every rank in the group has called it.
	Barrier() error

	Close() error
}

// Join connects this process to the group reachable at url. backend names the
// transport; "tcp" is built in, with urls of the form tcp://localhost:{port}.
// Join blocks until all world processes have met and fails if the rendezvous
// cannot complete.
func Join(backend, url string, world, rank int) (Group, error) {
	if world < 1 || rank < 0 || rank >= world {
		return nil, errors.Errorf("collective: rank %d out of range, world size %d", rank, world)
	}
	switch backend {
	case "tcp":
		return joinTCP(url, world, rank)
	default:
		return nil, errors.Errorf("collective: unknown backend %q", backend)
	}
}
