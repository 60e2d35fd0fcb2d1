// Package host implements the device backend in host memory. It simulates a
// fixed number of accelerators whose streams are real asynchronous command
// queues, so the trainer, the loaders and the tests exercise the same
// ordering rules they would against hardware.
package host

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/neurlang/distributed/device"
)

// Backend simulates n devices.
type Backend struct {
	n    int
	mu   sync.Mutex
	open []*Device
}

// New returns a backend with n simulated devices.
func New(n int) *Backend {
	if n < 1 {
		n = 1
	}
	return &Backend{n: n}
}

func (b *Backend) Count() int { return b.n }

func (b *Backend) Open(rank int) (device.Device, error) {
	if rank < 0 || rank >= b.n {
		return nil, errors.Errorf("host: rank %d out of range, have %d devices", rank, b.n)
	}
	d := &Device{rank: rank}
	b.mu.Lock()
	b.open = append(b.open, d)
	b.mu.Unlock()
	return d, nil
}

// ReleaseCache drops the transferred tensors every open device still holds.
func (b *Backend) ReleaseCache() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.open {
		d.releaseCache()
	}
}

// Device is one simulated accelerator.
type Device struct {
	rank    int
	mu      sync.Mutex
	streams []*Stream
	cached  []*Tensor
}

func (d *Device) Rank() int { return d.rank }

func (d *Device) NewStream() (device.Stream, error) {
	s := newStream()
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

// Transfer schedules the copy of t into simulated device memory on s. The
// returned tensor is observable as device-resident only once s has executed
// the copy.
func (d *Device) Transfer(t device.Tensor, s device.Stream) (device.Tensor, error) {
	src, ok := t.(*Tensor)
	if !ok {
		return nil, errors.Errorf("host: cannot transfer foreign tensor %T", t)
	}
	hs, ok := s.(*Stream)
	if !ok {
		return nil, errors.Errorf("host: foreign stream %T", s)
	}
	dst := &Tensor{ready: make(chan struct{})}
	hs.submit(func() {
		src.mu.Lock()
		data := make([]float64, len(src.data))
		copy(data, src.data)
		src.mu.Unlock()

		dst.mu.Lock()
		dst.data = data
		dst.onDevice = true
		dst.mu.Unlock()
		close(dst.ready)
	})
	d.mu.Lock()
	d.cached = append(d.cached, dst)
	d.mu.Unlock()
	return dst, nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.streams {
		s.close()
	}
	d.streams = nil
	d.cached = nil
	return nil
}

func (d *Device) releaseCache() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}

// Stream executes submitted work in order on its own goroutine.
type Stream struct {
	ops  chan func()
	once sync.Once
}

func newStream() *Stream {
	s := &Stream{ops: make(chan func(), 64)}
	go func() {
		for f := range s.ops {
			f()
		}
	}()
	return s
}

func (s *Stream) submit(f func()) {
	s.ops <- f
}

// Wait orders this stream behind everything already submitted to other.
func (s *Stream) Wait(other device.Stream) error {
	o, ok := other.(*Stream)
	if !ok {
		return errors.Errorf("host: foreign stream %T", other)
	}
	if o == s {
		return nil
	}
	ready := make(chan struct{})
	o.submit(func() { close(ready) })
	s.submit(func() { <-ready })
	return nil
}

func (s *Stream) Synchronize() error {
	done := make(chan struct{})
	s.submit(func() { close(done) })
	<-done
	return nil
}

func (s *Stream) close() {
	s.once.Do(func() { close(s.ops) })
}

// Tensor is a dense host-simulated tensor. Host-side reads of a tensor with
// an in-flight transfer block until the copy has executed, the way a real
// engine synchronizes on a device-to-host read.
type Tensor struct {
	mu       sync.Mutex
	data     []float64
	onDevice bool
	ready    chan struct{} // nil for host-built tensors
}

// FromFloats builds a host-resident tensor.
func FromFloats(v ...float64) *Tensor {
	data := make([]float64, len(v))
	copy(data, v)
	return &Tensor{data: data}
}

func (t *Tensor) settle() {
	if t.ready != nil {
		<-t.ready
	}
}

func (t *Tensor) OnDevice() bool {
	t.settle()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onDevice
}

func (t *Tensor) Scalar() (float64, error) {
	t.settle()
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.data) != 1 {
		return 0, errors.Errorf("host: tensor with %d elements is not a scalar", len(t.data))
	}
	return t.data[0], nil
}

// Len reports the element count. Useful to size batches in step functions.
func (t *Tensor) Len() int {
	t.settle()
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.data)
}

// At reads one element.
func (t *Tensor) At(i int) float64 {
	t.settle()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data[i]
}
