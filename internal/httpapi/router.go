// Package httpapi serves the read-only query API: the snapshot query, reply
// cache inspection, the record archive, a live event stream and metrics.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"notibridge/internal/eventbus"
	"notibridge/internal/notification"
	"notibridge/internal/reply"
	"notibridge/internal/storage"
	logx "notibridge/pkg/logx"
)

// SnapshotQuery lists the active notifications.
type SnapshotQuery interface {
	ListActive(ctx context.Context) ([]notification.Record, error)
}

// Deps are the components the API reads from. Only Snapshot and Cache are
// required; the matching routes answer 503 when the rest are nil.
type Deps struct {
	Snapshot SnapshotQuery
	Cache    reply.Cache
	Store    storage.Store
	Bus      eventbus.Bus
	Health   func() any
	Metrics  http.Handler
}

type Options struct {
	CORSOrigins []string
	// Keepalive is the SSE ping interval; 0 means 30s.
	Keepalive time.Duration
}

type api struct {
	deps      Deps
	log       logx.Logger
	keepalive time.Duration
}

func NewRouter(deps Deps, opts Options, log logx.Logger) *chi.Mux {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &api{deps: deps, log: log, keepalive: opts.Keepalive}
	if a.keepalive <= 0 {
		a.keepalive = 30 * time.Second
	}

	r := chi.NewRouter()
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}
	r.Use(chiMiddleware.CleanPath)
	r.Use(chiMiddleware.Recoverer)
	r.Use(requestLogger(log))

	r.Get("/healthz", a.health)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	r.Route("/v1", func(r chi.Router) {
		r.Get("/notifications", a.listActive)
		r.Get("/actions/{id}", a.getAction)
		r.Get("/records", a.recentRecords)
		r.Get("/events", a.stream)
	})
	return r
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Int("bytes", ww.BytesWritten()),
				logx.Duration("took", time.Since(start)),
			)
		})
	}
}
