// Package spool is a platform.Source backed by a directory.
//
// Layout under Dir:
//
//	active/<name>.yaml   one manifest per visible notification
//	icons/<package>.png  application icons (.png, .jpg, .jpeg or .gif)
//	replies.jsonl        appended to when a reply callback fires
//
// Writing a manifest posts (or updates) a notification; deleting or renaming
// it away removes it. The removal callback carries the last content seen.
package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"notibridge/internal/platform"
	logx "notibridge/pkg/logx"
)

const (
	activeDir   = "active"
	iconsDir    = "icons"
	repliesFile = "replies.jsonl"

	// DefaultSDKVersion is reported when the config leaves it unset.
	DefaultSDKVersion = 34
)

var iconExts = []string{".png", ".jpg", ".jpeg", ".gif"}

type Config struct {
	Dir        string
	SDKVersion int
	// Debounce coalesces bursts of writes to one manifest.
	Debounce time.Duration
}

// Source implements platform.Source.
type Source struct {
	dir      string
	sdk      int
	debounce time.Duration
	log      logx.Logger

	mu    sync.Mutex
	known map[string]*platform.Notification // by manifest file name

	replyMu sync.Mutex
}

var _ platform.Source = (*Source)(nil)

// Open prepares the spool directory, creating missing subdirectories.
func Open(cfg Config, log logx.Logger) (*Source, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, fmt.Errorf("spool dir is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	for _, sub := range []string{activeDir, iconsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("spool mkdir: %w", err)
		}
	}
	sdk := cfg.SDKVersion
	if sdk <= 0 {
		sdk = DefaultSDKVersion
	}
	deb := cfg.Debounce
	if deb <= 0 {
		deb = 150 * time.Millisecond
	}
	return &Source{
		dir:      dir,
		sdk:      sdk,
		debounce: deb,
		log:      log,
		known:    map[string]*platform.Notification{},
	}, nil
}

func (s *Source) SDKVersion() int { return s.sdk }

// ApplicationIcon loads icons/<packageName>.<ext>.
func (s *Source) ApplicationIcon(packageName string) (image.Image, error) {
	if packageName == "" || strings.ContainsAny(packageName, `/\`) || strings.Contains(packageName, "..") {
		return nil, fmt.Errorf("%w: %q", platform.ErrPackageNotFound, packageName)
	}
	for _, ext := range iconExts {
		p := filepath.Join(s.dir, iconsDir, packageName+ext)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		return loadImage(p)
	}
	return nil, fmt.Errorf("%w: %s", platform.ErrPackageNotFound, packageName)
}

// ActiveNotifications returns the parsed manifests oldest first. Malformed
// manifests are logged and skipped.
func (s *Source) ActiveNotifications(ctx context.Context) ([]*platform.Notification, error) {
	names, err := s.listManifests()
	if err != nil {
		return nil, err
	}
	out := make([]*platform.Notification, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := s.read(name)
		if err != nil {
			s.log.Warn("manifest skipped", logx.String("file", name), logx.Err(err))
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// listManifests returns manifest names sorted by modification time, then name.
func (s *Source) listManifests() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, activeDir))
	if err != nil {
		return nil, fmt.Errorf("spool list: %w", err)
	}
	type item struct {
		name string
		mod  time.Time
	}
	items := make([]item, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isManifest(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		items = append(items, item{name: e.Name(), mod: info.ModTime()})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].mod.Equal(items[j].mod) {
			return items[i].mod.Before(items[j].mod)
		}
		return items[i].name < items[j].name
	})
	names := make([]string, len(items))
	for i, it := range items {
		names[i] = it.name
	}
	return names, nil
}

func (s *Source) read(name string) (*platform.Notification, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, activeDir, name))
	if err != nil {
		return nil, err
	}
	m, err := decodeManifest(b)
	if err != nil {
		return nil, err
	}
	return s.toNotification(m), nil
}

// Reply is one line of replies.jsonl.
type Reply struct {
	At          time.Time         `json:"at"`
	PackageName string            `json:"packageName"`
	ID          int               `json:"id"`
	Action      string            `json:"action"`
	Results     map[string]string `json:"results"`
}

// replyCallback is the platform.Callback handed out on spool actions.
type replyCallback struct {
	src    *Source
	pkg    string
	id     int
	action string
}

func (c *replyCallback) Send(ctx context.Context, results map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(Reply{At: time.Now().UTC(), PackageName: c.pkg, ID: c.id, Action: c.action, Results: results})
	if err != nil {
		return err
	}
	line = append(line, '\n')

	c.src.replyMu.Lock()
	defer c.src.replyMu.Unlock()
	f, err := os.OpenFile(filepath.Join(c.src.dir, repliesFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("reply open: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("reply write: %w", err)
	}
	return nil
}
