package detections

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// Built-in catalog used when no catalog file sits next to the model.
var (
	DefaultCatalog    = []string{"異常", "正常"}
	DefaultThresholds = map[string]float32{"異常": 0.20}
)

// Catalog is a loaded class list together with its default thresholds.
type Catalog struct {
	Names      []string
	Thresholds map[string]float32
	Source     string
}

// CatalogOptions controls how a catalog file is turned into defaults.
type CatalogOptions struct {
	FileName string
	// PrivilegedClass is the index whose default threshold is replaced by
	// PrivilegedThreshold; negative disables it.
	PrivilegedClass     int
	PrivilegedThreshold float32
}

// LoadCatalog reads the catalog file in the model's directory. A missing file
// yields the built-in catalog; an unreadable, empty or duplicate-bearing file
// is a load error.
func LoadCatalog(modelPath string, opts CatalogOptions) (*Catalog, error) {
	name := opts.FileName
	if name == "" {
		name = CatalogFileName
	}
	path := filepath.Join(filepath.Dir(modelPath), name)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Catalog{
			Names:      append([]string(nil), DefaultCatalog...),
			Thresholds: copyThresholds(DefaultThresholds),
			Source:     "builtin",
		}, nil
	}
	if err != nil {
		return nil, loadError(err, "read class catalog %s", path)
	}

	names, err := ParseCatalog(data)
	if err != nil {
		return nil, loadError(err, "parse class catalog %s", path)
	}

	thresholds := map[string]float32{}
	if p := opts.PrivilegedClass; p >= 0 && p < len(names) {
		thresholds[names[p]] = clampThreshold(opts.PrivilegedThreshold)
	}
	return &Catalog{Names: names, Thresholds: thresholds, Source: path}, nil
}

// ParseCatalog reads one class name per non-empty line. Surrounding whitespace
// and a leading byte order mark are ignored.
func ParseCatalog(data []byte) ([]string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	var names []string
	seen := map[string]int{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for line := 1; sc.Scan(); line++ {
		n := strings.TrimSpace(sc.Text())
		if n == "" {
			continue
		}
		if prev, ok := seen[n]; ok {
			return nil, errors.Newf("line %d: class %q already defined on line %d", line, n, prev)
		}
		seen[n] = line
		names = append(names, n)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "scan catalog")
	}
	if len(names) == 0 {
		return nil, errors.New("catalog has no class names")
	}
	return names, nil
}

func copyThresholds(m map[string]float32) map[string]float32 {
	out := make(map[string]float32, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
