package projection

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeSource is a reactive notification port: Subscribe returns a
// channel that receives a value each time table's backing storage
// changes, and an unsubscribe func. SQLite has no native LISTEN/NOTIFY,
// so the production implementation watches the database file with
// fsnotify, the same library the teacher's daemon loop uses for its
// reactive file-watch path; tests use an in-memory fake instead so they
// don't depend on filesystem event timing.
type ChangeSource interface {
	Subscribe(table string) (<-chan struct{}, func())
}

// SQLiteChangeSource watches a SQLite database file (and its -wal
// sidecar, where most writes actually land under WAL mode) and fans out
// a coalesced notification to every subscriber on each write burst.
type SQLiteChangeSource struct {
	mu          sync.Mutex
	subscribers map[chan struct{}]struct{}
	watcher     *fsnotify.Watcher
	log         *slog.Logger
	closeOnce   sync.Once
	done        chan struct{}
}

// NewSQLiteChangeSource starts watching dbPath and dbPath+"-wal" for
// writes. Callers must call Close when done.
func NewSQLiteChangeSource(dbPath string, log *slog.Logger) (*SQLiteChangeSource, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	for _, path := range []string{dbPath, dbPath + "-wal"} {
		if err := watcher.Add(path); err != nil {
			log.Debug("change source: watch target unavailable yet", "path", path, "err", err)
		}
	}

	s := &SQLiteChangeSource{
		subscribers: make(map[chan struct{}]struct{}),
		watcher:     watcher,
		log:         log,
		done:        make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

func (s *SQLiteChangeSource) loop() {
	// Coalesce bursts of filesystem events (SQLite under WAL mode can
	// generate several writes per logical commit) into a single fan-out
	// per quiet window, rather than notifying once per raw fsnotify event.
	const coalesceWindow = 20 * time.Millisecond
	var timer *time.Timer

	for {
		select {
		case <-s.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case _, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if timer == nil {
				timer = time.AfterFunc(coalesceWindow, s.notifyAll)
			} else {
				timer.Reset(coalesceWindow)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("change source: watcher error", "err", err)
		}
	}
}

func (s *SQLiteChangeSource) notifyAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe registers a new subscriber. table is accepted for interface
// symmetry with a multi-table store; this implementation notifies on any
// write to the watched file regardless of table.
func (s *SQLiteChangeSource) Subscribe(table string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		delete(s.subscribers, ch)
		s.mu.Unlock()
	}
	return ch, unsubscribe
}

// Close stops the watcher.
func (s *SQLiteChangeSource) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.watcher.Close()
}

// FakeChangeSource is an in-memory ChangeSource for tests: Trigger
// synchronously notifies every current subscriber.
type FakeChangeSource struct {
	mu          sync.Mutex
	subscribers map[chan struct{}]struct{}
}

// NewFakeChangeSource returns an empty fake change source.
func NewFakeChangeSource() *FakeChangeSource {
	return &FakeChangeSource{subscribers: make(map[chan struct{}]struct{})}
}

// Subscribe implements ChangeSource.
func (f *FakeChangeSource) Subscribe(table string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	f.subscribers[ch] = struct{}{}
	f.mu.Unlock()

	unsubscribe := func() {
		f.mu.Lock()
		delete(f.subscribers, ch)
		f.mu.Unlock()
	}
	return ch, unsubscribe
}

// Trigger notifies every current subscriber once.
func (f *FakeChangeSource) Trigger() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
