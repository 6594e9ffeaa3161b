package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"notibridge/internal/eventbus"
	"notibridge/internal/notification"
	"notibridge/internal/storage"
)

// Multi delivers each event to every sink. A failing sink does not stop the
// others; the joined error is returned.
type Multi []notification.Publisher

func (m Multi) Publish(ctx context.Context, ev notification.Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BusSink re-emits events on the in-process event bus.
type BusSink struct{ Bus eventbus.Bus }

func (s BusSink) Publish(_ context.Context, ev notification.Event) error {
	if s.Bus == nil {
		return nil
	}
	s.Bus.Publish(eventbus.Event{Type: BusType(ev.Kind), Time: ev.At, Data: ev})
	return nil
}

// BusType maps an event kind to its bus event type.
func BusType(k notification.Kind) string {
	switch k {
	case notification.KindRemoved:
		return eventbus.TypeNotificationRemoved
	case notification.KindSnapshot:
		return eventbus.TypeNotificationSnapshot
	default:
		return eventbus.TypeNotificationPosted
	}
}

// StoreSink archives events. Image bytes are stripped unless KeepImages is
// set; they dominate the payload size.
type StoreSink struct {
	Store      storage.Store
	KeepImages bool
}

func (s StoreSink) Publish(ctx context.Context, ev notification.Event) error {
	if s.Store == nil {
		return nil
	}
	rec := ev.Record
	if !s.KeepImages {
		rec.AppIconImage, rec.LargeIconImage, rec.ExtraPictureImage = nil, nil, nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive encode: %w", err)
	}
	err = s.Store.AppendRecord(ctx, storage.Entry{
		EventID:        ev.ID,
		Kind:           string(ev.Kind),
		At:             ev.At,
		PackageName:    rec.PackageName,
		NotificationID: rec.ID,
		Payload:        payload,
	})
	if err != nil {
		return fmt.Errorf("archive append: %w", err)
	}
	return nil
}
