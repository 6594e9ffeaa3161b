// Package publish delivers normalized notification events to outbound sinks.
//
// The Dispatcher is the asynchronous front: it accepts events without
// blocking the platform callback goroutine, rate-limits delivery and fans
// each event out to the configured sinks. Delivery is fire-and-forget; a
// failing sink is logged and never retried.
package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"notibridge/internal/eventbus"
	"notibridge/internal/notification"
	rtsup "notibridge/internal/runtime/supervisor"
	logx "notibridge/pkg/logx"
)

var (
	ErrQueueFull = errors.New("publish queue full")
	ErrStopped   = errors.New("publisher stopped")
)

// Config controls the dispatcher. Zero values pick defaults.
type Config struct {
	Workers     int
	QueueSize   int
	RatePerSec  int // 0 = unlimited
	SinkTimeout time.Duration
}

// DroppedEvent is the bus payload for TypePublishDropped.
type DroppedEvent struct {
	EventID        string `json:"event_id"`
	PackageName    string `json:"package_name"`
	NotificationID int    `json:"notification_id"`
	Reason         string `json:"reason"`
}

// Stats is a best-effort view of dispatcher counters.
type Stats struct {
	Queued    uint64 `json:"queued"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	SinkErrs  uint64 `json:"sink_errors"`
	QueueLen  int    `json:"queue_len"`
	QueueCap  int    `json:"queue_cap"`
}

// Dispatcher implements notification.Publisher with a bounded queue and a
// worker pool. It is safe for concurrent use.
type Dispatcher struct {
	mu sync.Mutex

	log  logx.Logger
	bus  eventbus.Bus
	sink notification.Publisher

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan notification.Event
	sup       *rtsup.Supervisor

	queued    atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	sinkErrs  atomic.Uint64
}

var _ notification.Publisher = (*Dispatcher)(nil)

func NewDispatcher(cfg Config, sink notification.Publisher, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{sink: sink, bus: bus, log: log}
	d.applyLocked(cfg)
	return d
}

// Apply updates rate and timeout; queue size and worker count take effect on
// the next Start.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec < 0 {
		cfg.RatePerSec = 0
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 10 * time.Second
	}
	d.cfg = cfg
	if cfg.RatePerSec > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	} else {
		d.limiter = nil
	}
}

// Start launches the workers. It is idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queue != nil {
		return
	}
	d.queue = make(chan notification.Event, d.cfg.QueueSize)
	d.accepting = true
	d.sup = rtsup.New(ctx,
		rtsup.WithLogger(d.log),
		// a broken sink must not take the bridge down
		rtsup.WithCancelOnError(false),
	)
	q := d.queue
	for i := 0; i < d.cfg.Workers; i++ {
		d.sup.GoRestart(fmt.Sprintf("publish.worker.%d", i), func(c context.Context) error {
			d.workerLoop(c, q)
			return nil
		})
	}
}

// Stop stops intake and drains the queue until ctx is done.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	q := d.queue
	sup := d.sup
	if q == nil || !d.accepting {
		d.mu.Unlock()
		return nil
	}
	d.accepting = false
	d.mu.Unlock()

	d.sendWG.Wait()
	close(q)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// workers exit once the closed queue is drained
		_ = sup.Wait(context.Background())
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		<-done
		err = ctx.Err()
	}

	d.mu.Lock()
	d.queue = nil
	d.sup = nil
	d.mu.Unlock()
	return err
}

// Publish enqueues ev. It never blocks; a full queue drops the event.
func (d *Dispatcher) Publish(ctx context.Context, ev notification.Event) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	d.mu.Lock()
	if !d.accepting || d.queue == nil {
		d.mu.Unlock()
		d.drop(ev, ErrStopped)
		return ErrStopped
	}
	q := d.queue
	d.sendWG.Add(1)
	d.mu.Unlock()
	defer d.sendWG.Done()

	select {
	case q <- ev:
		d.queued.Add(1)
		return nil
	default:
		d.drop(ev, ErrQueueFull)
		return ErrQueueFull
	}
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	q := d.queue
	d.mu.Unlock()
	st := Stats{
		Queued:    d.queued.Load(),
		Delivered: d.delivered.Load(),
		Dropped:   d.dropped.Load(),
		SinkErrs:  d.sinkErrs.Load(),
	}
	if q != nil {
		st.QueueLen, st.QueueCap = len(q), cap(q)
	}
	return st
}

func (d *Dispatcher) drop(ev notification.Event, reason error) {
	d.dropped.Add(1)
	d.log.Warn("event dropped",
		logx.String("event_id", ev.ID),
		logx.String("pkg", ev.Record.PackageName),
		logx.Int("id", ev.Record.ID),
		logx.Err(reason),
	)
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.TypePublishDropped, Data: DroppedEvent{
			EventID:        ev.ID,
			PackageName:    ev.Record.PackageName,
			NotificationID: ev.Record.ID,
			Reason:         reason.Error(),
		}})
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context, q <-chan notification.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-q:
			if !ok {
				return
			}
			d.deliver(ctx, ev)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev notification.Event) {
	d.mu.Lock()
	lim := d.limiter
	timeout := d.cfg.SinkTimeout
	sink := d.sink
	d.mu.Unlock()

	if sink == nil {
		return
	}
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return
		}
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := sink.Publish(cctx, ev); err != nil {
		d.sinkErrs.Add(1)
		d.log.Warn("sink delivery failed", logx.String("event_id", ev.ID), logx.String("kind", string(ev.Kind)), logx.Err(err))
		return
	}
	d.delivered.Add(1)
}
