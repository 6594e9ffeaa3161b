package publish

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	tele "gopkg.in/telebot.v4"

	"notibridge/internal/eventbus"
	"notibridge/internal/notification"
	"notibridge/internal/storage"
	logx "notibridge/pkg/logx"
)

type recordingSink struct {
	mu     sync.Mutex
	events []notification.Event
	block  chan struct{}
	err    error
}

func (r *recordingSink) Publish(ctx context.Context, ev notification.Event) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return r.err
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func str(s string) *string { return &s }

func event(id int, kind notification.Kind) notification.Event {
	return notification.NewEvent(kind, notification.Record{
		PackageName:    "com.example.chat",
		ID:             id,
		Title:          str("Alice <3"),
		Content:        str("hi & bye"),
		CanReply:       true,
		AppIconImage:   []byte{1, 2, 3},
		LargeIconImage: []byte{4, 5},
	})
}

func TestDispatcherDeliversAndDrains(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &recordingSink{}
	d := NewDispatcher(Config{Workers: 2, QueueSize: 16}, sink, nil, logx.Nop())
	d.Start(context.Background())

	for i := 0; i < 10; i++ {
		require.NoError(t, d.Publish(context.Background(), event(i, notification.KindPosted)))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))

	assert.Equal(t, 10, sink.count())
	st := d.Stats()
	assert.Equal(t, uint64(10), st.Queued)
	assert.Equal(t, uint64(10), st.Delivered)
	assert.Equal(t, uint64(0), st.Dropped)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := eventbus.New()
	dropped, unsub := bus.Subscribe(8)
	defer unsub()

	sink := &recordingSink{block: make(chan struct{})}
	d := NewDispatcher(Config{Workers: 1, QueueSize: 1}, sink, bus, logx.Nop())
	d.Start(context.Background())

	// worker takes the first event and blocks; second fills the queue.
	require.NoError(t, d.Publish(context.Background(), event(1, notification.KindPosted)))
	require.Eventually(t, func() bool { return d.Stats().QueueLen == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, d.Publish(context.Background(), event(2, notification.KindPosted)))

	err := d.Publish(context.Background(), event(3, notification.KindPosted))
	assert.ErrorIs(t, err, ErrQueueFull)

	select {
	case e := <-dropped:
		assert.Equal(t, eventbus.TypePublishDropped, e.Type)
		assert.Equal(t, 3, e.Data.(DroppedEvent).NotificationID)
	case <-time.After(time.Second):
		t.Fatal("expected drop event on the bus")
	}

	close(sink.block)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
	assert.Equal(t, 2, sink.count())
	assert.Equal(t, uint64(1), d.Stats().Dropped)
}

func TestDispatcherRejectsWhenStopped(t *testing.T) {
	d := NewDispatcher(Config{}, &recordingSink{}, nil, logx.Nop())
	err := d.Publish(context.Background(), event(1, notification.KindPosted))
	assert.ErrorIs(t, err, ErrStopped)
	require.NoError(t, d.Stop(context.Background()))
}

func TestDispatcherCountsSinkErrors(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := &recordingSink{err: errors.New("transport down")}
	d := NewDispatcher(Config{Workers: 1, RatePerSec: 1000}, sink, nil, logx.Nop())
	d.Start(context.Background())
	require.NoError(t, d.Publish(context.Background(), event(1, notification.KindPosted)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
	assert.Equal(t, uint64(1), d.Stats().SinkErrs)
	assert.Equal(t, uint64(0), d.Stats().Delivered)
}

func TestMultiContinuesPastFailures(t *testing.T) {
	bad := &recordingSink{err: errors.New("bad")}
	good := &recordingSink{}

	err := Multi{bad, nil, good}.Publish(context.Background(), event(1, notification.KindPosted))
	assert.Error(t, err)
	assert.Equal(t, 1, good.count())
	assert.Equal(t, 1, bad.count())
}

func TestBusSinkMapsKinds(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	sink := BusSink{Bus: bus}
	for _, k := range []notification.Kind{notification.KindPosted, notification.KindRemoved, notification.KindSnapshot} {
		require.NoError(t, sink.Publish(context.Background(), event(1, k)))
	}
	assert.Equal(t, eventbus.TypeNotificationPosted, (<-ch).Type)
	assert.Equal(t, eventbus.TypeNotificationRemoved, (<-ch).Type)
	e := <-ch
	assert.Equal(t, eventbus.TypeNotificationSnapshot, e.Type)
	assert.Equal(t, notification.KindSnapshot, e.Data.(notification.Event).Kind)
}

func TestStoreSinkStripsImages(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "archive.jsonl")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	ev := event(42, notification.KindRemoved)
	require.NoError(t, StoreSink{Store: st}.Publish(context.Background(), ev))
	require.NoError(t, StoreSink{Store: st, KeepImages: true}.Publish(context.Background(), ev))

	got, err := st.RecentRecords(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)

	var kept, stripped notification.Record
	require.NoError(t, json.Unmarshal(got[0].Payload, &kept))
	require.NoError(t, json.Unmarshal(got[1].Payload, &stripped))
	assert.Equal(t, []byte{1, 2, 3}, kept.AppIconImage)
	assert.Nil(t, stripped.AppIconImage)
	assert.Equal(t, 42, stripped.ID)
	assert.Equal(t, "removed", got[1].Kind)
	assert.Equal(t, ev.ID, got[1].EventID)
}

type fakeSender struct {
	sent []interface{}
	opts []interface{}
}

func (f *fakeSender) Send(_ tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	f.sent = append(f.sent, what)
	f.opts = append(f.opts, opts...)
	return &tele.Message{}, nil
}

func TestTelegramSinkFiltersAndFormats(t *testing.T) {
	fs := &fakeSender{}
	s := &TelegramSink{cfg: TelegramConfig{ChatID: 10, ThreadID: 3}, bot: fs}

	require.NoError(t, s.Publish(context.Background(), event(1, notification.KindSnapshot)))
	require.NoError(t, s.Publish(context.Background(), event(1, notification.KindRemoved)))
	assert.Empty(t, fs.sent, "snapshots and removals are skipped by default")

	require.NoError(t, s.Publish(context.Background(), event(1, notification.KindPosted)))
	require.Len(t, fs.sent, 1)
	text, ok := fs.sent[0].(string)
	require.True(t, ok)
	assert.Contains(t, text, "<b>com.example.chat</b> #1 posted")
	assert.Contains(t, text, "Alice &lt;3")
	assert.Contains(t, text, "hi &amp; bye")
	assert.Contains(t, text, "can-reply")
	opt := fs.opts[0].(*tele.SendOptions)
	assert.Equal(t, 3, opt.ThreadID)
}

func TestTelegramSinkSendsPhoto(t *testing.T) {
	fs := &fakeSender{}
	s := &TelegramSink{cfg: TelegramConfig{ChatID: 10, SendImages: true}, bot: fs}

	require.NoError(t, s.Publish(context.Background(), event(1, notification.KindPosted)))
	require.Len(t, fs.sent, 1)
	photo, ok := fs.sent[0].(*tele.Photo)
	require.True(t, ok)
	assert.Contains(t, photo.Caption, "com.example.chat")
}

func TestNewTelegramSinkValidates(t *testing.T) {
	_, err := NewTelegramSink(TelegramConfig{ChatID: 1})
	assert.Error(t, err)
	_, err = NewTelegramSink(TelegramConfig{Token: "123:abc"})
	assert.Error(t, err)
}

func TestFormatTelegramKeepsEntitiesWhole(t *testing.T) {
	title := strings.Repeat("<&>", 400)
	content := strings.Repeat("a", 970) + strings.Repeat("&", 50)
	ev := notification.Event{Kind: notification.KindPosted, Record: notification.Record{
		ID: 7, PackageName: "com.example.chat", Title: &title, Content: &content,
	}}

	for _, limit := range []int{60, telegramCaptionLimit, telegramTextLimit} {
		out := FormatTelegram(ev, limit)
		assert.LessOrEqual(t, utf8.RuneCountInString(out), limit)
		assert.True(t, strings.HasPrefix(out, "<b>com.example.chat</b> #7 posted"), out)

		rest := strings.NewReplacer("&amp;", "", "&lt;", "", "&gt;", "", "<b>", "", "</b>", "").Replace(out)
		assert.NotContains(t, rest, "&", "limit %d", limit)
		assert.NotContains(t, rest, "<", "limit %d", limit)
	}

	amps := strings.Repeat("a", 900) + strings.Repeat("&", 100)
	ev.Record.Title, ev.Record.Content = nil, &amps
	caption := FormatTelegram(ev, telegramCaptionLimit)
	assert.True(t, strings.HasSuffix(caption, "&amp;…"), caption[len(caption)-20:])
	assert.Equal(t, telegramCaptionLimit, utf8.RuneCountInString(caption))

	short := "x & y"
	ev.Record.Title, ev.Record.Content = nil, &short
	assert.Equal(t, "<b>com.example.chat</b> #7 posted\nx &amp; y", FormatTelegram(ev, telegramTextLimit))
}

type doneToken struct {
	done chan struct{}
	err  error
}

func newDoneToken(err error) *doneToken {
	t := &doneToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *doneToken) Wait() bool                     { <-t.done; return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return t.err }

type fakeMQTT struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
	err      error
}

func (f *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.topic, f.qos, f.retained = topic, qos, retained
	f.payload = payload.([]byte)
	return newDoneToken(f.err)
}

func TestMQTTSinkPublishesJSON(t *testing.T) {
	fc := &fakeMQTT{}
	s := &MQTTSink{cfg: MQTTConfig{TopicPrefix: "home/phone/", QoS: 1, Retain: true}, client: fc}

	ev := event(7, notification.KindRemoved)
	require.NoError(t, s.Publish(context.Background(), ev))
	assert.Equal(t, "home/phone/removed", fc.topic)
	assert.Equal(t, byte(1), fc.qos)
	assert.True(t, fc.retained)

	var got notification.Event
	require.NoError(t, json.Unmarshal(fc.payload, &got))
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, 7, got.Record.ID)
	assert.Nil(t, got.Record.AppIconImage)
	assert.Contains(t, string(fc.payload), `"largeIconImage":null`)
}

func TestMQTTSinkReturnsBrokerError(t *testing.T) {
	fc := &fakeMQTT{err: errors.New("not connected")}
	s := &MQTTSink{client: fc}
	err := s.Publish(context.Background(), event(1, notification.KindPosted))
	assert.EqualError(t, err, "not connected")
	assert.Equal(t, "notibridge/posted", fc.topic)
}

func TestNewMQTTSinkValidates(t *testing.T) {
	_, err := NewMQTTSink(MQTTConfig{}, logx.Nop())
	assert.Error(t, err)
	_, err = NewMQTTSink(MQTTConfig{Broker: "tcp://127.0.0.1:1883", QoS: 3}, logx.Nop())
	assert.Error(t, err)
}
