package notification

import (
	"context"

	"notibridge/internal/platform"
	logx "notibridge/pkg/logx"
)

// Listener bridges platform callbacks to a Publisher.
type Listener struct {
	norm *Normalizer
	pub  Publisher
	log  logx.Logger
}

var _ platform.Listener = (*Listener)(nil)

func NewListener(norm *Normalizer, pub Publisher, log logx.Logger) *Listener {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Listener{norm: norm, pub: pub, log: log}
}

func (l *Listener) OnPosted(n *platform.Notification) { l.handle(n, false) }

func (l *Listener) OnRemoved(n *platform.Notification) { l.handle(n, true) }

func (l *Listener) handle(n *platform.Notification, removed bool) {
	if n == nil {
		return
	}
	rec := l.norm.Normalize(n, removed)
	kind := KindPosted
	if removed {
		kind = KindRemoved
	}
	if l.pub == nil {
		return
	}
	if err := l.pub.Publish(context.Background(), NewEvent(kind, rec)); err != nil {
		l.log.Debug("publish failed", logx.String("pkg", rec.PackageName), logx.Int("id", rec.ID), logx.Err(err))
	}
}
