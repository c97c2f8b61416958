package focus

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// ImageLocator finds the most recently written image.
type ImageLocator interface {
	Newest() (string, error)
}

// DirScanner lists a directory and picks the newest regular file.
type DirScanner struct {
	Dir string
}

func (s DirScanner) Newest() (string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return "", fmt.Errorf("read image directory: %w", err)
	}

	var newest string
	var newestInfo os.FileInfo
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		// Ties on modification time go to the later name, which matches
		// the camera's sequential numbering.
		if newestInfo == nil || info.ModTime().After(newestInfo.ModTime()) ||
			info.ModTime().Equal(newestInfo.ModTime()) && e.Name() > newestInfo.Name() {
			newest, newestInfo = e.Name(), info
		}
	}

	if newest == "" {
		return "", fmt.Errorf("%w in %s", ErrNoImages, s.Dir)
	}
	return filepath.Join(s.Dir, newest), nil
}

// Watcher tracks the newest file created in a directory through fsnotify,
// so the continuous loop does not rescan a night's worth of images. Events
// arrive on their own goroutine: a file just written may not be reported
// yet, so callers that need the frame they just waited for should ask its
// producer instead.
type Watcher struct {
	dir     string
	watcher *fsnotify.Watcher
	logger  log.FieldLogger

	mu     sync.Mutex
	newest string

	done chan struct{}
}

func WatchImages(dir string, logger log.FieldLogger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{
		dir:     dir,
		watcher: fw,
		logger:  logger.WithField("component", "images"),
		done:    make(chan struct{}),
	}
	if path, err := (DirScanner{Dir: dir}).Newest(); err == nil {
		w.newest = path
	}

	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) {
				continue
			}
			info, err := os.Stat(ev.Name)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			w.mu.Lock()
			w.newest = ev.Name
			w.mu.Unlock()
			w.logger.Debugf("New image %s", filepath.Base(ev.Name))

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnf("Image watcher error: %v", err)
		}
	}
}

func (w *Watcher) Newest() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.newest == "" {
		return "", fmt.Errorf("%w in %s", ErrNoImages, w.dir)
	}
	return w.newest, nil
}

func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
