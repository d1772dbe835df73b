package detections

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// encodeTestImage returns a PNG of the given size filled with c.
func encodeTestImage(t *testing.T, width, height int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// encodePatternImage returns a PNG split into red, green, blue and white
// quadrants.
func encodePatternImage(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			var c color.Color
			switch {
			case x < width/2 && y < height/2:
				c = color.RGBA{255, 0, 0, 255}
			case x >= width/2 && y < height/2:
				c = color.RGBA{0, 255, 0, 255}
			case x < width/2:
				c = color.RGBA{0, 0, 255, 255}
			default:
				c = color.RGBA{255, 255, 255, 255}
			}
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// anchor is one column of a raw model output, box values normalized.
type anchor struct {
	cx, cy, w, h float32
	scores       []float32
}

func rawOutput(numClasses int, anchors ...anchor) *Tensor {
	n := len(anchors)
	t := NewTensor(1, int64(4+numClasses), int64(n))
	for i, a := range anchors {
		t.Data[i] = a.cx
		t.Data[n+i] = a.cy
		t.Data[2*n+i] = a.w
		t.Data[3*n+i] = a.h
		for c := 0; c < numClasses && c < len(a.scores); c++ {
			t.Data[(4+c)*n+i] = a.scores[c]
		}
	}
	return t
}

// fakeBackend returns whatever output produces for its class count.
type fakeBackend struct {
	numClasses int
	shape      ModelShape
	output     func(numClasses int, input *Tensor) (*Tensor, error)

	mu     sync.Mutex
	calls  int
	closed bool
}

func (b *fakeBackend) Infer(input *Tensor) (*Tensor, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	return b.output(b.numClasses, input)
}

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type describedBackend struct {
	*fakeBackend
}

func (b describedBackend) ModelShape() ModelShape { return b.shape }

// fakeFactory records every backend it builds.
type fakeFactory struct {
	output func(numClasses int, input *Tensor) (*Tensor, error)
	shape  *ModelShape
	err    error

	mu       sync.Mutex
	backends []*fakeBackend
}

func (f *fakeFactory) build(_ string, spec BackendSpec) (InferenceBackend, error) {
	if f.err != nil {
		return nil, f.err
	}
	b := &fakeBackend{numClasses: spec.NumClasses, output: f.output}
	f.mu.Lock()
	f.backends = append(f.backends, b)
	f.mu.Unlock()
	if f.shape != nil {
		b.shape = *f.shape
		return describedBackend{b}, nil
	}
	return b, nil
}

func (f *fakeFactory) last() *fakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.backends) == 0 {
		return nil
	}
	return f.backends[len(f.backends)-1]
}

// writeModel creates a model file and, when names is not nil, a catalog next
// to it.
func writeModel(t *testing.T, dir string, names []string) string {
	t.Helper()
	path := filepath.Join(dir, "model.onnx")
	require.NoError(t, os.WriteFile(path, []byte("onnx"), 0o644))
	if names != nil {
		writeCatalog(t, dir, names)
	}
	return path
}

func writeCatalog(t *testing.T, dir string, names []string) {
	t.Helper()
	content := strings.Join(names, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, CatalogFileName), []byte(content), 0o644))
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.InputWidth = 64
	opts.InputHeight = 64
	opts.ModelExtension = ".onnx"
	return opts
}
