// Package loader derives per-rank dataset loaders for data-parallel training:
// rank-partitioned, epoch-seeded sharding of an existing loader configuration
// and double-buffered prefetching of batches onto a device.
package loader

import (
	"sync"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
)

// Dataset is the narrow view this package needs of a dataset: its length and
// random access to the elements of one sample.
type Dataset interface {
	Len() int

	// Item returns the elements of sample i: tensors and plain values.
	Item(i int) []interface{}
}

// Config describes an existing loader setup, the way the owner of the dataset
// built it. Sharding re-derives an equivalent per-rank loader from it.
type Config struct {
	Dataset   Dataset
	BatchSize int
	Shuffle   bool // true when the original sampling was random
	Workers   int  // item-loading goroutines; 0 means one per logical CPU
	PinMemory bool
	DropLast  bool
}

// ErrBatchSize reports a batch size that cannot be split evenly across the
// participating devices.
var ErrBatchSize = errors.New("loader: batch size not divisible by device count")

// Validate checks the configuration against a world size before any worker
// process is spawned.
func (c Config) Validate(world int) error {
	if c.Dataset == nil {
		return errors.New("loader: nil dataset")
	}
	if c.BatchSize < 1 {
		return errors.Errorf("loader: batch size %d", c.BatchSize)
	}
	if world < 1 {
		return errors.Errorf("loader: world size %d", world)
	}
	if c.BatchSize%world != 0 {
		return errors.Wrapf(ErrBatchSize, "batch size %d, %d devices", c.BatchSize, world)
	}
	return nil
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return 1
}

// Batch is the flattened elements of the samples in one batch. Tensor
// elements are moved to the device by the prefetch pipeline; anything else
// passes through untouched.
type Batch []interface{}

// Loader is one restartable pass over batches. Each runs a single full pass
// and stops early when yield returns false.
type Loader interface {
	Len() int
	Each(yield func(Batch) bool) error
}

// fanOut runs body for every i in [0, length) on at most limit goroutines.
func fanOut(length, limit int, body func(i int)) {
	if length <= 0 {
		return
	}
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	wg.Add(length)
	for i := 0; i < length; i++ {
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			body(i)
		}(i)
	}
	wg.Wait()
}
