// Package notification normalizes platform notifications into portable
// records and feeds them to a Publisher.
package notification

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Record is the normalized, platform-independent form of a notification.
// Absent optional values are nil and serialize as JSON null.
type Record struct {
	PackageName       string  `json:"packageName"`
	ID                int     `json:"id"`
	CanReply          bool    `json:"canReply"`
	IsOngoing         bool    `json:"isOngoing"`
	IsRemoved         bool    `json:"isRemoved"`
	Title             *string `json:"title"`
	Content           *string `json:"content"`
	HasExtraPicture   bool    `json:"hasExtraPicture"`
	AppIconImage      []byte  `json:"appIconImage"`
	LargeIconImage    []byte  `json:"largeIconImage"`
	ExtraPictureImage []byte  `json:"extraPictureImage"`
}

// Kind tells a consumer where a record came from.
type Kind string

const (
	KindPosted   Kind = "posted"
	KindRemoved  Kind = "removed"
	KindSnapshot Kind = "snapshot"
)

// Event wraps a record for the outbound channel.
type Event struct {
	ID     string    `json:"eventId"`
	Kind   Kind      `json:"kind"`
	At     time.Time `json:"at"`
	Record Record    `json:"record"`
}

// NewEvent stamps rec with a fresh id and the current time.
func NewEvent(kind Kind, rec Record) Event {
	return Event{ID: uuid.NewString(), Kind: kind, At: time.Now().UTC(), Record: rec}
}

// Publisher hands events to the outbound transport. Delivery is
// fire-and-forget from the caller's point of view.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }
