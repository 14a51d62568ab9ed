package events

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"flowline/internal/domain"
)

// Notifier wakes readers when the log's database files change on disk.
// Appends from other processes (CLI invocations, a running server) are seen
// through the filesystem; a poll interval covers platforms where fsnotify
// misses WAL writes.
type Notifier struct {
	watcher *fsnotify.Watcher
	poll    time.Duration
	log     *zap.Logger

	mu      sync.Mutex
	subs    map[chan struct{}]struct{}
	stop    context.CancelFunc
	stopped bool
}

// NewNotifier watches dir (the workspace .flowline directory). When fsnotify
// is unavailable the notifier falls back to polling only.
func NewNotifier(dir string, poll time.Duration, log *zap.Logger) *Notifier {
	if poll <= 0 {
		poll = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	n := &Notifier{poll: poll, log: log, subs: map[chan struct{}]struct{}{}}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("fsnotify unavailable; polling event log", zap.Error(err))
		return n
	}
	if err := w.Add(dir); err != nil {
		log.Warn("watch event log dir", zap.String("dir", dir), zap.Error(err))
		w.Close()
		return n
	}
	n.watcher = w
	return n
}

// Start runs the fan-out loop until ctx is done or Close is called.
func (n *Notifier) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	n.stop = cancel
	n.mu.Unlock()
	go func() {
		ticker := time.NewTicker(n.poll)
		defer ticker.Stop()
		var evs <-chan fsnotify.Event
		var errs <-chan error
		if n.watcher != nil {
			evs = n.watcher.Events
			errs = n.watcher.Errors
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-evs:
				if !ok {
					evs = nil
					continue
				}
				if isLogFile(ev.Name) && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					n.broadcast()
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				n.log.Debug("event log watcher error", zap.Error(err))
			case <-ticker.C:
				n.broadcast()
			}
		}
	}()
}

func isLogFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, "flowline.db")
}

// Subscribe returns a channel that receives a value after each change.
// Notifications coalesce; a slow reader sees at most one pending signal.
func (n *Notifier) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()
	return ch, func() {
		n.mu.Lock()
		delete(n.subs, ch)
		n.mu.Unlock()
	}
}

func (n *Notifier) broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close stops the loop and releases the watcher.
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return nil
	}
	n.stopped = true
	if n.stop != nil {
		n.stop()
	}
	if n.watcher != nil {
		return n.watcher.Close()
	}
	return nil
}

// Follow delivers events matching f, starting after f.AfterSeq, until ctx is
// done or fn returns an error.
func (s Store) Follow(ctx context.Context, n *Notifier, f Filter, fn func(domain.Event) error) error {
	wake, unsubscribe := n.Subscribe()
	defer unsubscribe()
	for {
		batch, err := s.Read(ctx, nil, f)
		if err != nil {
			return err
		}
		for _, ev := range batch {
			if err := fn(ev); err != nil {
				return err
			}
			f.AfterSeq = ev.Seq
		}
		if f.Limit > 0 && len(batch) == f.Limit {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}
