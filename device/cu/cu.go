//go:build cgo

// Package cu implements the device backend on NVIDIA hardware through the
// CUDA driver API. Like all CUDA-touching code in this module it lives in its
// own package so builds without a CUDA toolchain never pull in cgo.
package cu

import (
	"unsafe"

	"github.com/pkg/errors"
	"gorgonia.org/cu"

	"github.com/neurlang/distributed/device"
)

// Backend discovers the CUDA devices on this host.
type Backend struct{}

func New() Backend { return Backend{} }

func (Backend) Count() int {
	n, err := cu.NumDevices()
	if err != nil {
		return 0
	}
	return n
}

// Open binds the calling process to device rank and makes its context
// current. One worker process owns one context for its whole lifetime.
func (Backend) Open(rank int) (device.Device, error) {
	dev, err := cu.GetDevice(rank)
	if err != nil {
		return nil, errors.Wrapf(err, "cu: get device %d", rank)
	}
	ctx, err := dev.MakeContext(cu.SchedAuto)
	if err != nil {
		return nil, errors.Wrapf(err, "cu: make context on device %d", rank)
	}
	if err := ctx.Lock(); err != nil {
		return nil, errors.Wrapf(err, "cu: lock context on device %d", rank)
	}
	name, _ := cu.Device(rank).Name()
	return &Device{rank: rank, name: name, ctx: ctx}, nil
}

// ReleaseCache is a no-op: allocation caching belongs to the tensor engine,
// the driver hands memory back on MemFree.
func (Backend) ReleaseCache() {}

// Device is one bound CUDA device.
type Device struct {
	rank int
	name string
	ctx  cu.CUContext
	mem  []cu.DevicePtr
}

func (d *Device) Rank() int { return d.rank }

// Name reports the device's product name, for logs.
func (d *Device) Name() string { return d.name }

func (d *Device) NewStream() (device.Stream, error) {
	s, err := cu.MakeStream(cu.DefaultStream)
	if err != nil {
		return nil, errors.Wrapf(err, "cu: make stream on device %d", d.rank)
	}
	return &Stream{s: s}, nil
}

// Transfer copies t into device memory asynchronously on s.
func (d *Device) Transfer(t device.Tensor, s device.Stream) (device.Tensor, error) {
	src, ok := t.(*Tensor)
	if !ok {
		return nil, errors.Errorf("cu: cannot transfer foreign tensor %T", t)
	}
	st, ok := s.(*Stream)
	if !ok {
		return nil, errors.Errorf("cu: foreign stream %T", s)
	}
	if src.onDevice {
		return src, nil
	}
	if len(src.host) == 0 {
		return nil, errors.New("cu: cannot transfer empty tensor")
	}
	size := int64(len(src.host)) * int64(unsafe.Sizeof(float32(0)))
	ptr, err := cu.MemAlloc(size)
	if err != nil {
		return nil, errors.Wrapf(err, "cu: allocate %d bytes on device %d", size, d.rank)
	}
	if err := cu.MemcpyHtoDAsync(ptr, unsafe.Pointer(&src.host[0]), size, st.s); err != nil {
		cu.MemFree(ptr)
		return nil, errors.Wrapf(err, "cu: copy %d bytes to device %d", size, d.rank)
	}
	d.mem = append(d.mem, ptr)
	return &Tensor{dev: ptr, n: len(src.host), onDevice: true}, nil
}

func (d *Device) Close() error {
	for _, ptr := range d.mem {
		cu.MemFree(ptr)
	}
	d.mem = nil
	d.ctx.Unlock()
	d.ctx.Destroy()
	return nil
}

// Stream wraps one CUDA stream.
type Stream struct {
	s cu.Stream
}

// Wait orders this stream behind other. The driver offers finer-grained
// event waits; draining the producer stream from the host gives the same
// ordering for a one-batch-deep pipeline.
func (s *Stream) Wait(other device.Stream) error {
	o, ok := other.(*Stream)
	if !ok {
		return errors.Errorf("cu: foreign stream %T", other)
	}
	if o == s {
		return nil
	}
	return o.Synchronize()
}

func (s *Stream) Synchronize() error {
	return errors.Wrap(s.s.Synchronize(), "cu: stream synchronize")
}

// Tensor is a dense float32 buffer in host or device memory.
type Tensor struct {
	host     []float32
	dev      cu.DevicePtr
	n        int
	onDevice bool
}

// FromFloats builds a host-resident tensor.
func FromFloats(v ...float32) *Tensor {
	host := make([]float32, len(v))
	copy(host, v)
	return &Tensor{host: host, n: len(v)}
}

func (t *Tensor) OnDevice() bool { return t.onDevice }

func (t *Tensor) Scalar() (float64, error) {
	if t.n != 1 {
		return 0, errors.Errorf("cu: tensor with %d elements is not a scalar", t.n)
	}
	if !t.onDevice {
		return float64(t.host[0]), nil
	}
	var out [1]float32
	if err := cu.MemcpyDtoH(unsafe.Pointer(&out[0]), t.dev, int64(unsafe.Sizeof(out))); err != nil {
		return 0, errors.Wrap(err, "cu: copy scalar to host")
	}
	return float64(out[0]), nil
}
