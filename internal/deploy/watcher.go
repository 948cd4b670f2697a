package deploy

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ntheanh201/vibesdk/internal/core"
)

// ErrorLogName is the file the dev process writes runtime errors to,
// relative to the instance root.
const ErrorLogName = "logs/error.log"

// ErrorWatcher tails the instance error log and feeds parsed entries into
// the manager's runtime error buffer.
type ErrorWatcher struct {
	manager *Manager
	watcher *fsnotify.Watcher
	path    string
	offset  int64
	done    chan struct{}
}

// StartErrorWatcher begins tailing the error log under instanceRoot. The
// log directory is created if missing so the watch can attach immediately.
func (m *Manager) StartErrorWatcher(instanceRoot string) (*ErrorWatcher, error) {
	logPath := filepath.Join(instanceRoot, filepath.FromSlash(ErrorLogName))
	if err := os.MkdirAll(filepath.Dir(logPath), 0o750); err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(logPath)); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w := &ErrorWatcher{
		manager: m,
		watcher: fw,
		path:    logPath,
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Close stops the watcher.
func (w *ErrorWatcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *ErrorWatcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name == w.path && event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.drain()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.manager.logger.Warn("error log watch failed", "error", err)
		}
	}
}

// drain reads bytes appended since the last offset and records one runtime
// error per non-empty line.
func (w *ErrorWatcher) drain() {
	f, err := os.Open(w.path)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(w.offset, 0); err != nil {
		return
	}
	buf := make([]byte, 64*1024)
	n, _ := f.Read(buf)
	if n <= 0 {
		return
	}
	w.offset += int64(n)

	for _, line := range strings.Split(string(buf[:n]), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		severity := "error"
		if strings.HasPrefix(strings.ToLower(line), "warn") {
			severity = "warning"
		}
		w.manager.RecordRuntimeError(core.RuntimeError{
			Message:   line,
			Timestamp: time.Now(),
			Severity:  severity,
			RawOutput: line,
		})
	}
}
