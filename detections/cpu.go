package detections

import (
	"runtime"
	"strings"

	"golang.org/x/sys/cpu"
)

var (
	useAVX512 = cpu.X86.HasAVX512F
	useAVX2   = cpu.X86.HasAVX2
	useSSE41  = cpu.X86.HasSSE41
	useNEON   = cpu.ARM64.HasASIMD
)

// DeviceDescription names the host CPU and the vector extensions it reports.
func DeviceDescription() string {
	var features []string
	switch {
	case useAVX512:
		features = append(features, "avx512")
	case useAVX2:
		features = append(features, "avx2")
	case useSSE41:
		features = append(features, "sse4.1")
	}
	if useNEON {
		features = append(features, "neon")
	}
	desc := "cpu/" + runtime.GOARCH
	if len(features) > 0 {
		desc += " (" + strings.Join(features, ",") + ")"
	}
	return desc
}

// layoutWorkers returns how many goroutines split the planar conversion.
func layoutWorkers(rows int) int {
	n := runtime.GOMAXPROCS(0)
	if n > rows {
		n = rows
	}
	if n < 1 {
		n = 1
	}
	return n
}
