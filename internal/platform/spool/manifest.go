package spool

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.yaml.in/yaml/v3"

	"notibridge/internal/platform"
	logx "notibridge/pkg/logx"
)

var (
	ErrInvalidManifest  = errors.New("invalid manifest")
	ErrPathOutsideSpool = errors.New("path outside spool directory")
)

// manifest is the on-disk form of one active notification.
//
//	package: com.example.chat
//	id: 42
//	ongoing: false
//	extras:
//	  title: Alice
//	  text: hi
//	  picture: pics/cat.png
//	large_icon: icons/alice.png
//	actions:
//	  - title: Reply
//	    remote_inputs:
//	      - result_key: reply_text
//	        label: Message
type manifest struct {
	Package   string           `yaml:"package"`
	ID        int              `yaml:"id"`
	Flags     int              `yaml:"flags"`
	Ongoing   bool             `yaml:"ongoing"`
	Extras    *manifestExtras  `yaml:"extras"`
	LargeIcon string           `yaml:"large_icon"`
	Actions   []manifestAction `yaml:"actions"`
}

type manifestExtras struct {
	Title *string `yaml:"title"`
	Text  *string `yaml:"text"`
	// HasPicture defaults to whether Picture is set.
	HasPicture *bool  `yaml:"has_picture"`
	Picture    string `yaml:"picture"`
}

type manifestAction struct {
	Title string `yaml:"title"`
	// Callback defaults to true; false declares an action without a handle.
	Callback     *bool           `yaml:"callback"`
	RemoteInputs []manifestInput `yaml:"remote_inputs"`
}

type manifestInput struct {
	ResultKey string `yaml:"result_key"`
	Label     string `yaml:"label"`
}

func isManifest(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func decodeManifest(b []byte) (manifest, error) {
	var m manifest
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return m, fmt.Errorf("%w: empty document", ErrInvalidManifest)
		}
		return m, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if strings.TrimSpace(m.Package) == "" {
		return m, fmt.Errorf("%w: package is required", ErrInvalidManifest)
	}
	return m, nil
}

// toNotification builds the platform view of m. Picture load failures leave
// the picture nil with the presence flag intact.
func (s *Source) toNotification(m manifest) *platform.Notification {
	n := &platform.Notification{
		PackageName: m.Package,
		ID:          m.ID,
		Flags:       m.Flags,
	}
	if m.Ongoing {
		n.Flags |= platform.FlagOngoingEvent
	}
	if m.Extras != nil {
		ex := &platform.Extras{Title: m.Extras.Title, Text: m.Extras.Text}
		ex.HasPicture = m.Extras.Picture != ""
		if m.Extras.HasPicture != nil {
			ex.HasPicture = *m.Extras.HasPicture
		}
		if m.Extras.Picture != "" {
			img, err := s.loadRel(m.Extras.Picture)
			if err != nil {
				s.log.Warn("picture load failed", logx.String("pkg", m.Package), logx.Int("id", m.ID), logx.Err(err))
			} else {
				ex.Picture = img
			}
		}
		n.Extras = ex
	}
	if m.LargeIcon != "" {
		if p, err := s.resolve(m.LargeIcon); err != nil {
			s.log.Warn("large icon rejected", logx.String("pkg", m.Package), logx.Int("id", m.ID), logx.Err(err))
		} else {
			n.LargeIcon = fileIcon(p)
		}
	}
	for _, a := range m.Actions {
		pa := platform.Action{Title: a.Title}
		if a.Callback == nil || *a.Callback {
			pa.Callback = &replyCallback{src: s, pkg: m.Package, id: m.ID, action: a.Title}
		}
		for _, in := range a.RemoteInputs {
			pa.RemoteInputs = append(pa.RemoteInputs, platform.RemoteInput{ResultKey: in.ResultKey, Label: in.Label})
		}
		n.Actions = append(n.Actions, pa)
	}
	return n
}

// resolve maps a manifest-relative path into the spool directory. Absolute
// paths and paths climbing out of the directory are rejected.
func (s *Source) resolve(p string) (string, error) {
	if !filepath.IsLocal(p) {
		return "", fmt.Errorf("%w: %q", ErrPathOutsideSpool, p)
	}
	return filepath.Join(s.dir, p), nil
}

func (s *Source) loadRel(p string) (image.Image, error) {
	path, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	return loadImage(path)
}

// fileIcon loads its image on demand.
type fileIcon string

func (f fileIcon) Load() (image.Image, error) { return loadImage(string(f)) }

func loadImage(path string) (image.Image, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	img, _, err := image.Decode(fh)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}
