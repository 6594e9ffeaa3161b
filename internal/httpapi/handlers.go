package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"notibridge/internal/eventbus"
	"notibridge/internal/storage"
	logx "notibridge/pkg/logx"
)

const (
	defaultRecordLimit = 50
	maxRecordLimit     = 1000
)

type errorBody struct {
	Error string `json:"error"`
}

// ActionView is the inspectable part of a cached reply action.
type ActionView struct {
	ID          int    `json:"id"`
	InputKey    string `json:"inputKey"`
	ActionTitle string `json:"actionTitle"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	if a.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusOK, a.deps.Health())
}

func (a *api) listActive(w http.ResponseWriter, r *http.Request) {
	if a.deps.Snapshot == nil {
		writeError(w, http.StatusServiceUnavailable, "snapshot query unavailable")
		return
	}
	recs, err := a.deps.Snapshot.ListActive(r.Context())
	if err != nil {
		a.log.Warn("snapshot query failed", logx.Err(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *api) getAction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be an integer")
		return
	}
	if a.deps.Cache == nil {
		writeError(w, http.StatusServiceUnavailable, "reply cache unavailable")
		return
	}
	act, ok := a.deps.Cache.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no reply action for id %d", id))
		return
	}
	writeJSON(w, http.StatusOK, ActionView{ID: id, InputKey: act.InputKey, ActionTitle: act.ActionTitle})
}

func (a *api) recentRecords(w http.ResponseWriter, r *http.Request) {
	if a.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "archive disabled")
		return
	}
	limit := defaultRecordLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecordLimit)
	}
	entries, err := a.deps.Store.RecentRecords(r.Context(), limit)
	if err != nil {
		a.log.Warn("archive read failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "archive read failed")
		return
	}
	if entries == nil {
		entries = []storage.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// stream relays bus events as server-sent events. Repeated ?type= params
// restrict the stream to those event types.
func (a *api) stream(w http.ResponseWriter, r *http.Request) {
	if a.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, unsub := a.deps.Bus.Subscribe(64, r.URL.Query()["type"]...)
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(a.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, e); err != nil {
				a.log.Debug("sse encode failed", logx.String("type", e.Type), logx.Err(err))
				continue
			}
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprintf(w, "event: ping\ndata: {\"timestamp\":%d}\n\n", time.Now().Unix())
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, e eventbus.Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
	return err
}
