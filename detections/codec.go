package detections

import (
	"bytes"
	"image"
	"io"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // imaging registers bmp and tiff, webp is decode-only
)

// SupportedExtensions lists the file extensions accepted by path-based callers.
var SupportedExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif", ".tiff", ".tif", ".webp"}

// DecodeImage decodes raw bytes in any registered format. EXIF orientation is
// not applied, so reported dimensions match the stored pixel grid.
func DecodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, decodeError(nil, "empty image data")
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, decodeError(err, "unsupported or malformed image")
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, decodeError(nil, "image has no pixels (%dx%d)", b.Dx(), b.Dy())
	}
	return img, nil
}

// ImageDimensions reads only the header of data.
func ImageDimensions(data []byte) (image.Point, error) {
	if len(data) == 0 {
		return image.Point{}, decodeError(nil, "empty image data")
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return image.Point{}, decodeError(err, "unreadable image header")
	}
	return image.Pt(cfg.Width, cfg.Height), nil
}

// EncodeImage writes img in the given format.
func EncodeImage(w io.Writer, img image.Image, format imaging.Format) error {
	if err := imaging.Encode(w, img, format); err != nil {
		return errors.Wrapf(err, "encode %s", format)
	}
	return nil
}

// IsSupportedImagePath reports whether path has an accepted image extension.
func IsSupportedImagePath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range SupportedExtensions {
		if ext == e {
			return true
		}
	}
	return false
}
