package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notibridge/internal/eventbus"
	"notibridge/internal/notification"
	"notibridge/internal/publish"
	"notibridge/internal/schedule"
)

func gather(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func TestPublishCountsKindsAndImages(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg, Sources{})
	require.NoError(t, err)

	rec := notification.Record{AppIconImage: []byte{1}, ExtraPictureImage: []byte{2}}
	require.NoError(t, m.Publish(context.Background(), notification.NewEvent(notification.KindPosted, rec)))
	require.NoError(t, m.Publish(context.Background(), notification.NewEvent(notification.KindPosted, notification.Record{})))
	require.NoError(t, m.Publish(context.Background(), notification.NewEvent(notification.KindRemoved, rec)))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("posted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("removed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ImagesTotal.WithLabelValues("app_icon")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ImagesTotal.WithLabelValues("picture")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ImagesTotal.WithLabelValues("large_icon")))
}

func TestScrapeTimeSources(t *testing.T) {
	reg := prometheus.NewRegistry()
	bus := eventbus.New()
	_, err := New(reg, Sources{
		Dispatcher: func() publish.Stats { return publish.Stats{Queued: 7, Delivered: 5, SinkErrs: 1, QueueLen: 2} },
		CacheLen:   func() int { return 3 },
		Bus:        bus,
	})
	require.NoError(t, err)

	assert.Equal(t, 7.0, gather(t, reg, "notibridge_publish_queued_total").GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 2.0, gather(t, reg, "notibridge_publish_queue_length").GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 3.0, gather(t, reg, "notibridge_reply_cache_entries").GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 0.0, gather(t, reg, "notibridge_bus_dropped_total").GetMetric()[0].GetCounter().GetValue())
}

func TestWatchFoldsBusEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg, Sources{})
	require.NoError(t, err)
	bus := eventbus.New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx, bus)
	}()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.TypePublishDropped, Data: publish.DroppedEvent{Reason: publish.ErrQueueFull.Error()}})
		return testutil.ToFloat64(m.DropsTotal.WithLabelValues(publish.ErrQueueFull.Error())) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	bus.Publish(eventbus.Event{Type: eventbus.TypeSnapshotCompleted, Data: schedule.Result{Active: 4, Took: 20 * time.Millisecond}})
	require.Eventually(t, func() bool { return testutil.ToFloat64(m.SnapshotActive) == 4 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestDuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg, Sources{})
	require.NoError(t, err)
	_, err = New(reg, Sources{})
	assert.Error(t, err)
}
