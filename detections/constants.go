package detections

const (
	InputWidth  = 640
	InputHeight = 640

	DefaultThreshold    = 0.5
	DefaultIoUThreshold = 0.4

	// CatalogFileName is looked up next to the model file.
	CatalogFileName = "class_names.txt"

	chunkSize = 512
)

// ResizeMode selects how an image is fitted to the model input.
type ResizeMode string

const (
	// ResizeStretch scales each axis independently to the input size.
	ResizeStretch ResizeMode = "stretch"
	// ResizeLetterbox keeps the aspect ratio and pads with gray.
	ResizeLetterbox ResizeMode = "letterbox"
)

const letterboxFill = 114

func (m ResizeMode) Valid() bool {
	return m == ResizeStretch || m == ResizeLetterbox
}
