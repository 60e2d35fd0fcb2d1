package trainer

import "github.com/pkg/errors"

// roundBuffer groups per-epoch results by rank. Workers push round by round,
// but the queue fans independent connections into one channel, so delivery
// may interleave a fast rank's next epoch before a slow rank's current one.
// Each rank therefore gets its own FIFO and a round is released only once
// every rank has contributed its oldest result.
type roundBuffer struct {
	pending [][]Tuple
}

func newRoundBuffer(world int) *roundBuffer {
	return &roundBuffer{pending: make([][]Tuple, world)}
}

// add records one result. When it completes the oldest round, add pops that
// round and returns it in rank order with ok set.
func (b *roundBuffer) add(rank int, v Tuple) (round []Tuple, ok bool, err error) {
	if rank < 0 || rank >= len(b.pending) {
		return nil, false, errors.Errorf("trainer: result from out-of-range rank %d", rank)
	}
	b.pending[rank] = append(b.pending[rank], v)
	for _, q := range b.pending {
		if len(q) == 0 {
			return nil, false, nil
		}
	}
	round = make([]Tuple, len(b.pending))
	for r := range b.pending {
		round[r] = b.pending[r][0]
		b.pending[r] = b.pending[r][1:]
	}
	return round, true, nil
}
