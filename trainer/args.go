package trainer

import (
	"log"

	"github.com/neurlang/distributed/loader"
)

// Step is the user training-step function, run once per epoch in every
// worker. It may return nil (nothing is recorded for the epoch), a single
// scalar, or a Tuple of scalars; device-resident scalars are copied to the
// host before they leave the worker. The returned shape must match across
// ranks and epochs, or the aggregation will misalign.
type Step func(a *Args) (interface{}, error)

// Args is the per-epoch context handed to the step function. The named
// fields are owned by the worker loop and refreshed every epoch. Set and Get
// carry whatever extra values the step function threads between epochs; they
// are process-local and never validated.
type Args struct {
	Rank  int
	Epoch int
	Model Model
	Train *loader.Prefetch
	Test  *loader.Prefetch

	// Log is the worker's output sink: rank 0 writes through to stderr,
	// every other rank discards, so a run logs once.
	Log *log.Logger

	extra map[string]interface{}
}

// Set stores an extra value, unconditionally replacing any existing value
// under the same key.
func (a *Args) Set(key string, value interface{}) {
	if a.extra == nil {
		a.extra = make(map[string]interface{})
	}
	a.extra[key] = value
}

// Get reads back an extra value.
func (a *Args) Get(key string) (interface{}, bool) {
	v, ok := a.extra[key]
	return v, ok
}
