// Package platform describes the boundary to the OS notification subsystem.
//
// The bridge never talks to a concrete notification service directly. A
// Source delivers posted/removed callbacks to a Listener, enumerates the
// currently active notifications, and resolves application icons. Everything
// a Source hands out is treated as an opaque, read-only handle.
package platform

import (
	"context"
	"errors"
	"image"
)

// FlagOngoingEvent marks a notification the user cannot dismiss.
const FlagOngoingEvent = 0x00000002

// VersionLargeIcon is the first platform version that exposes a large-icon
// handle on notifications. Older versions must not be asked for one.
const VersionLargeIcon = 23

var ErrPackageNotFound = errors.New("package not found")

// Notification is a platform notification as delivered to the bridge.
type Notification struct {
	PackageName string
	ID          int
	Flags       int

	// Extras is nil when the platform attached no extras bundle.
	Extras *Extras

	// LargeIcon is nil when the notification carries none.
	LargeIcon Icon

	// Actions are kept in the platform's declared order.
	Actions []Action
}

// Ongoing reports whether FlagOngoingEvent is set.
func (n *Notification) Ongoing() bool {
	return n != nil && n.Flags&FlagOngoingEvent != 0
}

// Extras holds the optional text and picture payload of a notification.
type Extras struct {
	Title *string
	Text  *string

	// HasPicture mirrors the presence of the picture key. Picture may still be
	// nil when the key is present.
	HasPicture bool
	Picture    image.Image
}

// Action is a user-facing control declared on a notification.
type Action struct {
	Title        string
	Callback     Callback
	RemoteInputs []RemoteInput
}

// RemoteInput describes a text field an action accepts.
type RemoteInput struct {
	ResultKey string
	Label     string
}

// Callback is an opaque handle into the platform's action invocation
// mechanism. results maps input keys to typed text.
type Callback interface {
	Send(ctx context.Context, results map[string]string) error
}

// Icon is a lazily loaded image handle.
type Icon interface {
	Load() (image.Image, error)
}

// PackageManager resolves installed application metadata.
type PackageManager interface {
	// ApplicationIcon returns ErrPackageNotFound (possibly wrapped) for
	// unknown packages.
	ApplicationIcon(packageName string) (image.Image, error)
}

// Listener receives notification lifecycle callbacks. Callbacks are delivered
// from a single goroutine owned by the Source.
type Listener interface {
	OnPosted(n *Notification)
	OnRemoved(n *Notification)
}

// Source is a connected notification subsystem.
type Source interface {
	PackageManager

	// SDKVersion is the platform API level, used for capability gating.
	SDKVersion() int

	// ActiveNotifications returns the currently visible notifications in
	// platform order.
	ActiveNotifications(ctx context.Context) ([]*Notification, error)

	// Run delivers callbacks to l until ctx is done.
	Run(ctx context.Context, l Listener) error
}
