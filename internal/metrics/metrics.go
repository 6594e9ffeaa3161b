// Package metrics exposes bridge counters to Prometheus.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"notibridge/internal/eventbus"
	"notibridge/internal/notification"
	"notibridge/internal/publish"
	"notibridge/internal/schedule"
)

const namespace = "notibridge"

// Sources are read at scrape time. Nil funcs are skipped.
type Sources struct {
	Dispatcher  func() publish.Stats
	CacheLen    func() int
	CachedIcons func() int
	Bus         eventbus.Bus
}

// Bridge holds the metrics that are updated as events flow. It also works as
// a publish sink so every dispatched event is counted.
type Bridge struct {
	EventsTotal      *prometheus.CounterVec
	ImagesTotal      *prometheus.CounterVec
	DropsTotal       *prometheus.CounterVec
	SnapshotDuration prometheus.Histogram
	SnapshotActive   prometheus.Gauge

	registry *prometheus.Registry
}

var _ notification.Publisher = (*Bridge)(nil)

// New creates the metrics and registers them, plus the scrape-time funcs
// for src, on registry.
func New(registry *prometheus.Registry, src Sources) (*Bridge, error) {
	m := &Bridge{
		registry: registry,
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Notification events handed to the sinks, by kind.",
		}, []string{"kind"}),
		ImagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_images_total",
			Help:      "Encoded images carried on published records, by slot.",
		}, []string{"slot"}),
		DropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_drops_total",
			Help:      "Events dropped before delivery, by reason.",
		}, []string{"reason"}),
		SnapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_resync_duration_seconds",
			Help:      "Time taken by a snapshot resync.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}),
		SnapshotActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_active_notifications",
			Help:      "Active notifications seen by the last snapshot resync.",
		}),
	}

	cs := []prometheus.Collector{m.EventsTotal, m.ImagesTotal, m.DropsTotal, m.SnapshotDuration, m.SnapshotActive}
	if f := src.Dispatcher; f != nil {
		cs = append(cs,
			counterFunc("publish_queued_total", "Events accepted into the publish queue.", func() float64 { return float64(f().Queued) }),
			counterFunc("publish_delivered_total", "Events delivered to the sinks.", func() float64 { return float64(f().Delivered) }),
			counterFunc("publish_sink_errors_total", "Failed sink deliveries.", func() float64 { return float64(f().SinkErrs) }),
			gaugeFunc("publish_queue_length", "Events waiting in the publish queue.", func() float64 { return float64(f().QueueLen) }),
		)
	}
	if f := src.CacheLen; f != nil {
		cs = append(cs, gaugeFunc("reply_cache_entries", "Reply actions held in the cache.", func() float64 { return float64(f()) }))
	}
	if f := src.CachedIcons; f != nil {
		cs = append(cs, gaugeFunc("app_icon_cache_entries", "Encoded app icons held in memory.", func() float64 { return float64(f()) }))
	}
	if b := src.Bus; b != nil {
		cs = append(cs, counterFunc("bus_dropped_total", "Bus deliveries skipped for slow subscribers.", func() float64 { return float64(eventbus.Dropped(b)) }))
	}
	for _, c := range cs {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Bridge) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Bridge) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Publish counts ev. It never fails.
func (m *Bridge) Publish(_ context.Context, ev notification.Event) error {
	m.EventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	rec := ev.Record
	if rec.AppIconImage != nil {
		m.ImagesTotal.WithLabelValues("app_icon").Inc()
	}
	if rec.LargeIconImage != nil {
		m.ImagesTotal.WithLabelValues("large_icon").Inc()
	}
	if rec.ExtraPictureImage != nil {
		m.ImagesTotal.WithLabelValues("picture").Inc()
	}
	return nil
}

// Watch folds bus events into the metrics until ctx is done.
func (m *Bridge) Watch(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(64, eventbus.TypePublishDropped, eventbus.TypeSnapshotCompleted)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.observe(e)
		}
	}
}

func (m *Bridge) observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypePublishDropped:
		if d, ok := e.Data.(publish.DroppedEvent); ok {
			m.DropsTotal.WithLabelValues(d.Reason).Inc()
		}
	case eventbus.TypeSnapshotCompleted:
		if r, ok := e.Data.(schedule.Result); ok {
			m.SnapshotDuration.Observe(r.Took.Seconds())
			m.SnapshotActive.Set(float64(r.Active))
		}
	}
}

func counterFunc(name, help string, f func() float64) prometheus.Collector {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, f)
}

func gaugeFunc(name, help string, f func() float64) prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, f)
}
