package onnx

import (
	"os"
	"runtime"
	"sync"

	"github.com/Tutortoise/detection-service/logger"
	"github.com/cockroachdb/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// LibraryEnv names the environment variable consulted when no library path is
// configured.
const LibraryEnv = "ONNXRUNTIME_LIB"

// DefaultLibraryName returns the shared library file name ONNX Runtime ships
// under on goos.
func DefaultLibraryName(goos string) string {
	switch goos {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}

// ResolveLibraryPath picks the runtime library: the configured path, then
// $ONNXRUNTIME_LIB, then the platform default name left to the dynamic loader.
func ResolveLibraryPath(configured string) string {
	if configured != "" {
		return configured
	}
	if env := os.Getenv(LibraryEnv); env != "" {
		return env
	}
	return DefaultLibraryName(runtime.GOOS)
}

var envMu sync.Mutex

// initEnvironment loads the runtime library once per process. Later calls
// with a different path are ignored.
func initEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrapf(err, "initialize onnxruntime from %s", libPath)
	}
	logger.Logger.Infow("ONNX Runtime initialized", "library", libPath)
	return nil
}

// Shutdown releases the runtime environment. Backends must be closed first.
func Shutdown() error {
	envMu.Lock()
	defer envMu.Unlock()

	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}
