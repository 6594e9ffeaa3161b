package spool

import (
	"context"
	"errors"
	"io/fs"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"notibridge/internal/platform"
	logx "notibridge/pkg/logx"
)

const (
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Run watches the active directory and delivers callbacks to l from the
// calling goroutine until ctx is done. Manifests present at start are
// recorded silently; the snapshot query covers them.
func (s *Source) Run(ctx context.Context, l platform.Listener) error {
	if l == nil {
		return errors.New("spool: nil listener")
	}
	dir := filepath.Join(s.dir, activeDir)

	fire := make(chan string, 64)
	var (
		tmu    sync.Mutex
		timers = map[string]*time.Timer{}
	)
	schedule := func(name string) {
		tmu.Lock()
		defer tmu.Unlock()
		if t := timers[name]; t != nil {
			t.Stop()
		}
		var t *time.Timer
		t = time.AfterFunc(s.debounce, func() {
			tmu.Lock()
			if timers[name] == t {
				delete(timers, name)
			}
			tmu.Unlock()
			select {
			case fire <- name:
			case <-ctx.Done():
			}
		})
		timers[name] = t
	}
	defer func() {
		tmu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		tmu.Unlock()
	}()

	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	wait := func() bool {
		d := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff = min(backoff*2, restartBackoffMax)
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	first := true
	for {
		if ctx.Err() != nil {
			return nil
		}
		// after the first start, rescans emit changes made while the watcher was down
		w, err := s.arm(dir, l, !first)
		if err != nil {
			s.log.Warn("spool watch init failed", logx.String("dir", dir), logx.Err(err))
			if !wait() {
				return nil
			}
			continue
		}
		backoff = restartBackoffBase
		first = false
		s.log.Debug("spool watcher started", logx.String("dir", dir))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case name := <-fire:
				s.sync(name, l)
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				name := filepath.Base(ev.Name)
				if isManifest(name) && ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					schedule(name)
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					s.log.Warn("spool watch overflow; rescanning", logx.String("dir", dir))
					s.rescan(l, true)
					continue
				}
				s.log.Warn("spool watch error", logx.String("dir", dir), logx.Err(err))
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					broken = true
				}
			}
		}

		_ = w.Close()
		s.log.Warn("spool watcher stopped; restarting", logx.String("dir", dir))
		if !wait() {
			return nil
		}
	}
}

// arm starts watching dir and only then scans it, so a manifest written in
// between is seen by the scan or by the watcher.
func (s *Source) arm(dir string, l platform.Listener, emit bool) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	s.rescan(l, emit)
	return w, nil
}

// sync reconciles one manifest with the last known state.
func (s *Source) sync(name string, l platform.Listener) {
	n, err := s.read(name)
	if errors.Is(err, fs.ErrNotExist) {
		s.mu.Lock()
		prev := s.known[name]
		delete(s.known, name)
		s.mu.Unlock()
		if prev != nil {
			s.deliver(l.OnRemoved, prev)
		}
		return
	}
	if err != nil {
		s.log.Warn("manifest rejected", logx.String("file", name), logx.Err(err))
		return
	}

	s.mu.Lock()
	prev := s.known[name]
	s.known[name] = n
	s.mu.Unlock()

	// a rewrite that changes identity retires the old notification
	if prev != nil && (prev.ID != n.ID || prev.PackageName != n.PackageName) {
		s.deliver(l.OnRemoved, prev)
	}
	s.deliver(l.OnPosted, n)
}

// rescan diffs the directory against the known set. With emit unset it only
// records what is there.
func (s *Source) rescan(l platform.Listener, emit bool) {
	names, err := s.listManifests()
	if err != nil {
		s.log.Warn("spool rescan failed", logx.Err(err))
		return
	}
	present := make(map[string]bool, len(names))
	for _, name := range names {
		present[name] = true
		s.mu.Lock()
		_, seen := s.known[name]
		s.mu.Unlock()
		if seen {
			continue
		}
		if !emit {
			n, err := s.read(name)
			if err != nil {
				s.log.Warn("manifest skipped", logx.String("file", name), logx.Err(err))
				continue
			}
			s.mu.Lock()
			s.known[name] = n
			s.mu.Unlock()
			continue
		}
		s.sync(name, l)
	}

	s.mu.Lock()
	var gone []string
	for name := range s.known {
		if !present[name] {
			gone = append(gone, name)
		}
	}
	s.mu.Unlock()
	for _, name := range gone {
		if emit {
			s.sync(name, l)
			continue
		}
		s.mu.Lock()
		delete(s.known, name)
		s.mu.Unlock()
	}
}

func (s *Source) deliver(fn func(*platform.Notification), n *platform.Notification) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("listener panic", logx.String("pkg", n.PackageName), logx.Int("id", n.ID), logx.Any("panic", r))
		}
	}()
	fn(n)
}
