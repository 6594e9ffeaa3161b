package schedule

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"notibridge/internal/eventbus"
	"notibridge/internal/notification"
	logx "notibridge/pkg/logx"
)

// Config controls the resync job. An empty Schedule disables it.
type Config struct {
	Schedule string
	Timezone string
}

// Lister is the snapshot query.
type Lister interface {
	ListActive(ctx context.Context) ([]notification.Record, error)
}

// Result summarizes one resync. It is also the bus payload of
// eventbus.TypeSnapshotCompleted.
type Result struct {
	Active    int           `json:"active"`
	Published int           `json:"published"`
	Took      time.Duration `json:"took"`
	Err       string        `json:"error,omitempty"`
}

// Resync periodically republishes the active notifications.
type Resync struct {
	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
	ctx context.Context

	lister Lister
	pub    notification.Publisher
	bus    eventbus.Bus
	log    logx.Logger

	// lastMu is separate from mu: Apply holds mu while waiting for a running job.
	lastMu sync.Mutex
	last   Result
}

func NewResync(cfg Config, lister Lister, pub notification.Publisher, bus eventbus.Bus, log logx.Logger) *Resync {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resync{cfg: cfg, lister: lister, pub: pub, bus: bus, log: log}
}

// Start registers the job. A disabled or invalid schedule leaves the job off;
// the error is returned so the caller can report it.
func (r *Resync) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return nil
	}
	r.ctx = ctx
	return r.startLocked()
}

func (r *Resync) startLocked() error {
	raw := strings.TrimSpace(r.cfg.Schedule)
	if raw == "" {
		r.log.Debug("snapshot resync disabled")
		return nil
	}
	sp, err := Parse(raw)
	if err != nil {
		return err
	}
	sched, err := sp.Schedule()
	if err != nil {
		return err
	}
	loc, err := loadLocation(r.cfg.Timezone)
	if err != nil {
		return err
	}

	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cronLogger{r.log}),
		cron.WithChain(cron.Recover(cronLogger{r.log}), cron.SkipIfStillRunning(cronLogger{r.log})),
	)
	c.Schedule(sched, cron.FuncJob(func() {
		ctx := r.ctx
		if ctx == nil || ctx.Err() != nil {
			return
		}
		r.RunOnce(ctx)
	}))
	c.Start()
	r.c = c
	r.log.Info("snapshot resync scheduled", logx.String("schedule", sp.String()), logx.String("tz", loc.String()))
	return nil
}

// Apply swaps the schedule. A running job is restarted when the schedule or
// timezone changed.
func (r *Resync) Apply(cfg Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := strings.TrimSpace(cfg.Schedule) != strings.TrimSpace(r.cfg.Schedule) ||
		strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(r.cfg.Timezone)
	r.cfg = cfg
	if !changed || r.ctx == nil {
		return nil
	}
	if r.c != nil {
		<-r.c.Stop().Done()
		r.c = nil
	}
	return r.startLocked()
}

// Stop unregisters the job and waits for a running resync until ctx is done.
func (r *Resync) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce takes a snapshot and publishes every record as a snapshot event.
func (r *Resync) RunOnce(ctx context.Context) Result {
	start := time.Now()
	var res Result
	recs, err := r.lister.ListActive(ctx)
	if err != nil {
		res.Err = err.Error()
		r.log.Warn("snapshot resync failed", logx.Err(err))
	}
	res.Active = len(recs)
	for _, rec := range recs {
		if r.pub == nil {
			break
		}
		if err := r.pub.Publish(ctx, notification.NewEvent(notification.KindSnapshot, rec)); err != nil {
			r.log.Debug("snapshot publish failed", logx.String("pkg", rec.PackageName), logx.Int("id", rec.ID), logx.Err(err))
			continue
		}
		res.Published++
	}
	res.Took = time.Since(start)

	r.lastMu.Lock()
	r.last = res
	r.lastMu.Unlock()

	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeSnapshotCompleted, Data: res})
	}
	r.log.Debug("snapshot resync done",
		logx.Int("active", res.Active),
		logx.Int("published", res.Published),
		logx.Duration("took", res.Took),
	)
	return res
}

// Last returns the result of the most recent resync.
func (r *Resync) Last() Result {
	r.lastMu.Lock()
	defer r.lastMu.Unlock()
	return r.last
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

// cronLogger routes cron's internal logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
