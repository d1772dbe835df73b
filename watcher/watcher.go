package watcher

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/Tutortoise/detection-service/logger"
	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 500 * time.Millisecond

// ReloadFunc reloads the model at path.
type ReloadFunc func(path string) error

// ModelWatcher watches the model directory and reloads when the model file or
// its catalog changes. Bursts of events within the debounce period trigger a
// single reload.
type ModelWatcher struct {
	modelPath   string
	catalogName string
	watcher     *fsnotify.Watcher
	reload      ReloadFunc
	onResult    func(error)
	serving     func() string

	mu             sync.Mutex
	debounceTimer  *time.Timer
	debouncePeriod time.Duration
	started        bool
	stopped        bool
	done           chan struct{}
}

// New watches the directory holding modelPath. catalogName is the catalog
// file name looked up next to the model.
func New(modelPath, catalogName string, debounce time.Duration, reload ReloadFunc) (*ModelWatcher, error) {
	if reload == nil {
		return nil, errors.New("watcher: nil reload func")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	abs, err := filepath.Abs(modelPath)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", modelPath)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create fsnotify watcher")
	}

	// The directory, not the file, so atomic replaces are still seen.
	dir := filepath.Dir(abs)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, errors.Wrapf(err, "watch directory %s", dir)
	}

	return &ModelWatcher{
		modelPath:      abs,
		catalogName:    catalogName,
		watcher:        w,
		reload:         reload,
		debouncePeriod: debounce,
		done:           make(chan struct{}),
	}, nil
}

// OnResult registers a function called with the outcome of every reload.
// Must be called before Start.
func (mw *ModelWatcher) OnResult(fn func(error)) {
	mw.onResult = fn
}

// Serving registers a function reporting the model path currently served.
// Reloads are skipped while it names a different model than the watched one.
// Must be called before Start.
func (mw *ModelWatcher) Serving(fn func() string) {
	mw.serving = fn
}

// retargeted reports whether another model than the watched one is served.
func (mw *ModelWatcher) retargeted() (string, bool) {
	if mw.serving == nil {
		return "", false
	}
	current := mw.serving()
	if current == "" {
		return "", false
	}
	abs, err := filepath.Abs(current)
	if err != nil {
		return current, true
	}
	return abs, abs != mw.modelPath
}

func (mw *ModelWatcher) Start() {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	if mw.started || mw.stopped {
		return
	}
	mw.started = true
	go mw.watchLoop()
}

func (mw *ModelWatcher) relevant(name string) bool {
	abs, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	if abs == mw.modelPath {
		return true
	}
	return mw.catalogName != "" && abs == filepath.Join(filepath.Dir(mw.modelPath), mw.catalogName)
}

func (mw *ModelWatcher) watchLoop() {
	defer close(mw.done)
	const trigger = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove

	for {
		select {
		case event, ok := <-mw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&trigger == 0 || !mw.relevant(event.Name) {
				continue
			}
			logger.Logger.Debugw("Model watcher detected change",
				"file", event.Name,
				"op", event.Op.String())
			mw.scheduleReload()

		case err, ok := <-mw.watcher.Errors:
			if !ok {
				return
			}
			logger.Logger.Warnw("Model watcher error", "error", err)
		}
	}
}

func (mw *ModelWatcher) scheduleReload() {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	if mw.stopped {
		return
	}
	if mw.debounceTimer != nil {
		mw.debounceTimer.Stop()
	}
	mw.debounceTimer = time.AfterFunc(mw.debouncePeriod, mw.fire)
}

func (mw *ModelWatcher) fire() {
	mw.mu.Lock()
	stopped := mw.stopped
	mw.mu.Unlock()
	if stopped {
		return
	}

	if current, ok := mw.retargeted(); ok {
		logger.Logger.Infow("Skipping reload, another model is serving",
			"watched", mw.modelPath,
			"serving", current)
		return
	}

	err := mw.reload(mw.modelPath)
	if err != nil {
		logger.Logger.Errorw("Model reload failed, previous model still serving",
			"model", mw.modelPath,
			"error", err)
	} else {
		logger.Logger.Infow("Model reloaded", "model", mw.modelPath)
	}
	if mw.onResult != nil {
		mw.onResult(err)
	}
}

// Stop ends watching and cancels a pending reload.
func (mw *ModelWatcher) Stop() error {
	mw.mu.Lock()
	if mw.stopped {
		mw.mu.Unlock()
		return nil
	}
	mw.stopped = true
	started := mw.started
	if mw.debounceTimer != nil {
		mw.debounceTimer.Stop()
	}
	mw.mu.Unlock()

	err := mw.watcher.Close()
	if started {
		<-mw.done
	}
	return err
}
