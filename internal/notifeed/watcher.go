package notifeed

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const watcherDebounceDelay = 50 * time.Millisecond

// LedgerWatcher watches a file-backed ledger for writes made by another
// process sharing the same durable ledger, reloading the in-memory
// pending sets when the snapshot changes on disk. Writes are debounced
// because an atomic rename shows up as a burst of events.
type LedgerWatcher struct {
	ledger   *Ledger
	path     string
	watcher  *fsnotify.Watcher
	log      zerolog.Logger
	onChange func()

	mu       sync.Mutex
	debounce *time.Timer
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewLedgerWatcher watches the directory holding path; watching the
// file itself would lose the watch on every atomic rename. onChange may
// be nil.
func NewLedgerWatcher(ledger *Ledger, path string, onChange func(), log zerolog.Logger) (*LedgerWatcher, error) {
	if ledger == nil || path == "" {
		return nil, ErrInvalidInput
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	w := &LedgerWatcher{
		ledger:   ledger,
		path:     filepath.Clean(path),
		watcher:  watcher,
		log:      log,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

func (w *LedgerWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.mu.Unlock()
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *LedgerWatcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("ledger watcher error")
		}
	}
}

func (w *LedgerWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(watcherDebounceDelay, w.reload)
}

func (w *LedgerWatcher) reload() {
	if err := w.ledger.Reload(); err != nil {
		w.log.Warn().Err(err).Msg("ledger reload after external write failed")
		return
	}
	w.log.Debug().Msg("ledger reloaded after external write")
	if w.onChange != nil {
		w.onChange()
	}
}
