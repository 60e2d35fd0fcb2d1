package loader

import (
	"math/rand"

	"github.com/pkg/errors"
)

// Sharded is the per-rank view of a loader configuration. Each rank sees a
// disjoint, size-balanced partition of the dataset, re-derived every epoch
// from a deterministic seed, and the effective batch size is the configured
// batch size divided by the world size.
type Sharded struct {
	cfg   Config
	rank  int
	world int
	batch int // per-rank batch size
	seed  int64
	epoch int
}

// NewSharded derives rank's loader from cfg for a group of world processes.
// It fails when the batch size does not divide evenly across the group.
func NewSharded(cfg Config, rank, world int) (*Sharded, error) {
	if err := cfg.Validate(world); err != nil {
		return nil, err
	}
	if rank < 0 || rank >= world {
		return nil, errors.Errorf("loader: rank %d out of range, world size %d", rank, world)
	}
	return &Sharded{
		cfg:   cfg,
		rank:  rank,
		world: world,
		batch: cfg.BatchSize / world,
	}, nil
}

// SetEpoch re-derives the shard for an epoch. Shuffled shards differ between
// epochs but every rank derives the same permutation for the same epoch.
func (s *Sharded) SetEpoch(epoch int) { s.epoch = epoch }

// Indices returns this rank's sample indices for the current epoch. When
// DropLast is set the tail that does not split evenly is dropped; otherwise
// the order wraps around so every rank gets the same number of samples.
func (s *Sharded) Indices() []int {
	n := s.cfg.Dataset.Len()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if s.cfg.Shuffle {
		r := rand.New(rand.NewSource(s.seed + int64(s.epoch)))
		r.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	var total int
	if s.cfg.DropLast {
		total = n - n%s.world
		order = order[:total]
	} else {
		total = (n + s.world - 1) / s.world * s.world
		for i := 0; len(order) < total; i++ {
			order = append(order, order[i])
		}
	}
	shard := make([]int, 0, total/s.world)
	for i := s.rank; i < total; i += s.world {
		shard = append(shard, order[i])
	}
	return shard
}

// Len reports the number of batches in this rank's shard.
func (s *Sharded) Len() int {
	samples := len(s.Indices())
	return (samples + s.batch - 1) / s.batch
}

// Each runs one full pass over the shard's batches.
func (s *Sharded) Each(yield func(Batch) bool) error {
	idx := s.Indices()
	for start := 0; start < len(idx); start += s.batch {
		end := start + s.batch
		if end > len(idx) {
			end = len(idx)
		}
		if !yield(s.assemble(idx[start:end])) {
			return nil
		}
	}
	return nil
}

// assemble loads the items of one batch concurrently and flattens them in
// sample order.
func (s *Sharded) assemble(idx []int) Batch {
	items := make([][]interface{}, len(idx))
	fanOut(len(idx), s.cfg.workers(), func(i int) {
		items[i] = s.cfg.Dataset.Item(idx[i])
	})
	var b Batch
	for _, it := range items {
		b = append(b, it...)
	}
	return b
}
