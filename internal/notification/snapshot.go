package notification

import (
	"context"
	"fmt"
	"runtime/debug"

	"notibridge/internal/platform"
	logx "notibridge/pkg/logx"
)

// ActiveLister is the part of platform.Source the snapshot query needs.
type ActiveLister interface {
	ActiveNotifications(ctx context.Context) ([]*platform.Notification, error)
}

// Snapshot answers "what is visible right now" through the same
// normalization path as the live feed.
type Snapshot struct {
	src  ActiveLister
	norm *Normalizer
	log  logx.Logger
}

func NewSnapshot(src ActiveLister, norm *Normalizer, log logx.Logger) *Snapshot {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Snapshot{src: src, norm: norm, log: log}
}

// ListActive returns one record per active notification, in platform order,
// all with IsRemoved=false. An entry whose normalization panics is logged and
// skipped; only a failure of the platform call itself is returned.
func (s *Snapshot) ListActive(ctx context.Context) ([]Record, error) {
	active, err := s.src.ActiveNotifications(ctx)
	if err != nil {
		return nil, fmt.Errorf("active notifications: %w", err)
	}
	out := make([]Record, 0, len(active))
	for i, n := range active {
		if n == nil {
			continue
		}
		rec, err := s.normalizeOne(n)
		if err != nil {
			s.log.Error("snapshot entry skipped",
				logx.Int("index", i),
				logx.String("pkg", n.PackageName),
				logx.Int("id", n.ID),
				logx.Err(err),
			)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Snapshot) normalizeOne(n *platform.Notification) (rec Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return s.norm.Normalize(n, false), nil
}
