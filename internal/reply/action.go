// Package reply resolves quick-reply controls and caches them by
// notification id so a later reply can be routed to the right callback.
package reply

import "notibridge/internal/platform"

// Action is a resolved quick-reply control.
type Action struct {
	Callback platform.Callback
	// InputKey is the key the platform expects the typed text under.
	InputKey string
	// ActionTitle is the label of the originating control (diagnostics only).
	ActionTitle string
}

// Resolve returns the first declared action that has both a callback and a
// text input. It never touches a Cache.
func Resolve(n *platform.Notification) (Action, bool) {
	if n == nil {
		return Action{}, false
	}
	for _, a := range n.Actions {
		if a.Callback == nil {
			continue
		}
		for _, in := range a.RemoteInputs {
			if in.ResultKey != "" {
				return Action{Callback: a.Callback, InputKey: in.ResultKey, ActionTitle: a.Title}, true
			}
		}
	}
	return Action{}, false
}
