package loader

import (
	"github.com/pkg/errors"

	"github.com/neurlang/distributed/device"
)

// Prefetch overlaps the host-to-device transfer of batch k+1 with computation
// on batch k. Transfers run on a dedicated stream owned by the pipeline; the
// compute stream is made to wait on that stream before each yielded batch is
// consumed. The pipeline always holds one batch back, so the final batch is
// yielded after the wrapped pass finishes.
type Prefetch struct {
	src     Loader
	dev     device.Device
	compute device.Stream
	xfer    device.Stream
}

// NewPrefetch wraps src with a transfer pipeline onto dev. compute is the
// stream the consumer runs its work on.
func NewPrefetch(src Loader, dev device.Device, compute device.Stream) (*Prefetch, error) {
	xfer, err := dev.NewStream()
	if err != nil {
		return nil, errors.Wrap(err, "loader: transfer stream")
	}
	return &Prefetch{src: src, dev: dev, compute: compute, xfer: xfer}, nil
}

// Len equals the wrapped loader's length.
func (p *Prefetch) Len() int { return p.src.Len() }

// Each yields the wrapped loader's batches in order, with tensor elements
// already on the device.
func (p *Prefetch) Each(yield func(Batch) bool) error {
	var (
		held    Batch
		first   = true
		stopped bool
		ferr    error
	)
	err := p.src.Each(func(b Batch) bool {
		next, err := p.transfer(b)
		if err != nil {
			ferr = err
			return false
		}
		if !first {
			if !yield(held) {
				stopped = true
				return false
			}
		}
		first = false
		if err := p.compute.Wait(p.xfer); err != nil {
			ferr = err
			return false
		}
		held = next
		return true
	})
	if err != nil {
		return err
	}
	if ferr != nil {
		return ferr
	}
	if stopped || first {
		return nil
	}
	yield(held)
	return nil
}

// transfer schedules the tensor elements of b onto the transfer stream.
func (p *Prefetch) transfer(b Batch) (Batch, error) {
	out := make(Batch, len(b))
	for i, e := range b {
		t, ok := device.AsTensor(e)
		if !ok {
			out[i] = e
			continue
		}
		moved, err := p.dev.Transfer(t, p.xfer)
		if err != nil {
			return nil, errors.Wrap(err, "loader: prefetch transfer")
		}
		out[i] = moved
	}
	return out, nil
}
