package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"shopsync/backend/internal/domain"
	"shopsync/backend/internal/logging"
)

const (
	DoneDir   = "done"
	FailedDir = "failed"
)

// Importer is the part of Reconciler the inbox needs.
type Importer interface {
	ImportEncoded(ctx context.Context, encoded string, reconcilerName string) (domain.ImportResult, error)
}

// InboxWatcher imports bundle files dropped into a directory, for example by
// a USB stick sync or a messaging app's download folder. Each file is moved
// to done/ or failed/ once handled.
type InboxWatcher struct {
	dir        string
	importer   Importer
	reconciler string
	settle     time.Duration
	logger     logrus.FieldLogger

	watcher *fsnotify.Watcher
	work    chan string
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*time.Timer
	running bool
	cancel  context.CancelFunc
}

// NewInboxWatcher watches dir. Merged stock movements are attributed to
// reconcilerName.
func NewInboxWatcher(dir string, importer Importer, reconcilerName string, logger logrus.FieldLogger) *InboxWatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &InboxWatcher{
		dir:        dir,
		importer:   importer,
		reconciler: reconcilerName,
		settle:     250 * time.Millisecond,
		logger:     logger.WithFields(logrus.Fields{"module": "inbox", "dir": dir}),
		work:       make(chan string, 64),
		pending:    map[string]*time.Timer{},
	}
}

func (w *InboxWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("inbox watcher already running")
	}

	for _, sub := range []string{"", DoneDir, FailedDir} {
		if err := os.MkdirAll(filepath.Join(w.dir, sub), 0o755); err != nil {
			return fmt.Errorf("create inbox directory: %w", err)
		}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch inbox %s: %w", w.dir, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.watcher = watcher
	w.cancel = cancel
	w.running = true

	w.wg.Add(2)
	go w.processEvents(runCtx)
	go w.processWork(runCtx)

	// Files dropped while the daemon was down.
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read inbox: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && candidate(entry.Name()) {
			w.schedule(filepath.Join(w.dir, entry.Name()))
		}
	}
	return nil
}

func (w *InboxWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
	cancel, watcher := w.cancel, w.watcher
	w.mu.Unlock()

	cancel()
	err := watcher.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func candidate(name string) bool {
	return !strings.HasPrefix(name, ".") && !strings.HasSuffix(name, ".tmp") && !strings.HasSuffix(name, ".part")
}

func (w *InboxWatcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if filepath.Dir(event.Name) != filepath.Clean(w.dir) || !candidate(filepath.Base(event.Name)) {
				continue
			}
			w.schedule(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnf("watch error: %v", err)
		}
	}
}

// schedule waits for writes to a file to settle before importing it.
func (w *InboxWatcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		running := w.running
		w.mu.Unlock()
		if !running {
			return
		}
		select {
		case w.work <- path:
		default:
			w.logger.WithField("file", path).Warn("inbox queue full, file left for next start")
		}
	})
}

func (w *InboxWatcher) processWork(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-w.work:
			if _, err := w.ImportFile(ctx, path); err != nil && ctx.Err() == nil {
				logging.LogError(w.logger, "inbox", "ImportFile", "import bundle file", filepath.Base(path), err)
			}
		}
	}
}

// ImportFile imports one bundle file and files it under done/ or failed/.
func (w *InboxWatcher) ImportFile(ctx context.Context, path string) (domain.ImportResult, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && info.IsDir()) {
		return domain.ImportResult{}, nil
	}
	if err != nil {
		return domain.ImportResult{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.ImportResult{}, err
	}

	result, importErr := w.importer.ImportEncoded(ctx, string(raw), w.reconciler)
	target := DoneDir
	if importErr != nil {
		target = FailedDir
	}
	if err := moveInto(path, filepath.Join(w.dir, target)); err != nil {
		return result, errors.Join(importErr, err)
	}
	if importErr == nil {
		w.logger.WithFields(logrus.Fields{
			"file":    filepath.Base(path),
			"type":    result.Type,
			"merged":  result.Merged,
			"skipped": result.Skipped,
			"applied": result.Applied,
		}).Info("bundle imported")
	}
	return result, importErr
}

// moveInto renames path into dir, suffixing the name if it is taken.
func moveInto(path string, dir string) error {
	name := filepath.Base(path)
	target := filepath.Join(dir, name)
	if _, err := os.Stat(target); err == nil {
		ext := filepath.Ext(name)
		target = filepath.Join(dir, fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), time.Now().UnixNano(), ext))
	}
	return os.Rename(path, target)
}
