// Package device defines the narrow contracts the trainer needs from an
// accelerator engine: device discovery, per-rank binding, execution streams
// and asynchronous host-to-device transfers. The tensor engine itself lives
// behind these interfaces; this module never touches kernels or gradients.
package device

// Backend enumerates the accelerators on one host and binds worker processes
// to them.
type Backend interface {
	// Count reports the number of devices available on this host.
	Count() int

	// Open binds the calling process to the device identified by rank.
	// Ranks run from 0 to Count()-1.
	Open(rank int) (Device, error)

	// ReleaseCache drops any device memory the backend holds in reserve.
	// Called during orchestrator teardown; must be safe to call repeatedly.
	ReleaseCache()
}

// Device is one bound accelerator.
type Device interface {
	Rank() int

	// NewStream creates an independent execution stream on the device.
	NewStream() (Stream, error)

	// Transfer schedules an asynchronous host-to-device copy of t on s and
	// returns the device-resident tensor. The copy may still be in flight
	// when Transfer returns; order it with Stream.Wait before use.
	Transfer(t Tensor, s Stream) (Tensor, error)

	Close() error
}

// Stream is an ordered queue of device work.
type Stream interface {
	// Wait makes work submitted to this stream after the call depend on
	// everything already submitted to other.
	Wait(other Stream) error

	// Synchronize blocks the host until the stream drains.
	Synchronize() error
}

// Tensor is the minimal view of an engine value: enough to move batch
// elements onto a device and scalar results back off it.
type Tensor interface {
	OnDevice() bool

	// Scalar returns the host copy of a single-element tensor.
	Scalar() (float64, error)
}

// AsTensor reports whether a batch element is an engine tensor.
func AsTensor(v interface{}) (Tensor, bool) {
	t, ok := v.(Tensor)
	return t, ok
}
