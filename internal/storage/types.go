package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry is one archived event. Payload is the JSON-encoded record.
type Entry struct {
	EventID        string          `json:"event_id"`
	Kind           string          `json:"kind"`
	At             time.Time       `json:"at"`
	PackageName    string          `json:"package_name"`
	NotificationID int             `json:"notification_id"`
	Payload        json.RawMessage `json:"payload"`
}

// Store is the archive API used by the publisher and the HTTP API.
type Store interface {
	AppendRecord(ctx context.Context, e Entry) error
	// RecentRecords returns up to limit entries, newest first.
	RecentRecords(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}
