package trainer

import (
	"github.com/neurlang/distributed/collective"
	"github.com/neurlang/distributed/device"
)

// Model is the trainer's view of the tensor engine's model object.
type Model interface {
	// To moves the model's parameters to dev, scheduling the transfers on s.
	To(dev device.Device, s device.Stream) (Model, error)

	// SetTraining switches between training and evaluation behavior.
	SetTraining(train bool)
}

// Synchronizer wraps a device-resident model so gradients are averaged
// across the process group after every backward pass. The tensor engine
// supplies the implementation; a nil Synchronizer on the Trainer leaves the
// model unwrapped.
type Synchronizer interface {
	Wrap(m Model, dev device.Device, g collective.Group) (Model, error)
}
