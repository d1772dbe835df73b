package detections

import (
	"fmt"
	"image"

	"github.com/cockroachdb/errors"
)

// Tensor is a dense row-major float32 tensor. Tensors handed to or returned
// from a backend are treated as read-only by the engine, and the preprocessed
// input may be shared between calls through the cache.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// NewTensor allocates a zeroed tensor of the given shape.
func NewTensor(shape ...int64) *Tensor {
	return &Tensor{Shape: append([]int64(nil), shape...), Data: make([]float32, elementCount(shape))}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}

// Validate checks that Data holds exactly the number of elements Shape names.
func (t *Tensor) Validate() error {
	if t == nil {
		return errors.New("nil tensor")
	}
	if n := elementCount(t.Shape); n != len(t.Data) {
		return errors.Newf("shape %v needs %d elements, have %d", t.Shape, n, len(t.Data))
	}
	return nil
}

func elementCount(shape []int64) int {
	if len(shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range shape {
		if d < 0 {
			return -1
		}
		n *= d
	}
	return int(n)
}

// InferenceBackend runs the forward pass. Infer receives a [1,3,H,W] tensor and
// returns [1, 4+numClasses, numAnchors] where the first four rows are center
// x, center y, width and height normalized to the model input, and the rest
// are independent per-class scores. Implementations must be safe for
// concurrent Infer calls.
type InferenceBackend interface {
	Infer(input *Tensor) (*Tensor, error)
	Close() error
}

// ModelShape is what a backend learned about its model at load time. Zero
// fields mean unknown.
type ModelShape struct {
	InputSize  image.Point
	NumClasses int
	Device     string
}

// ShapeDescriber is implemented by backends that can inspect their model.
type ShapeDescriber interface {
	ModelShape() ModelShape
}

// BackendSpec is what the engine knows when it asks a factory for a backend.
type BackendSpec struct {
	InputSize  image.Point
	NumClasses int
}

// BackendFactory builds a backend for the model at path. The engine picks the
// factory at construction time; every (re)load goes through it.
type BackendFactory func(modelPath string, spec BackendSpec) (InferenceBackend, error)
