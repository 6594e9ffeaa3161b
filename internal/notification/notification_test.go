package notification

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notibridge/internal/asset"
	"notibridge/internal/platform"
	"notibridge/internal/reply"
	logx "notibridge/pkg/logx"
)

type stubCallback struct{ name string }

func (*stubCallback) Send(context.Context, map[string]string) error { return nil }

type stubIcon struct{ img image.Image }

func (s stubIcon) Load() (image.Image, error) { return s.img, nil }

type stubPM map[string]image.Image

func (p stubPM) ApplicationIcon(pkg string) (image.Image, error) {
	img, ok := p[pkg]
	if !ok {
		return nil, platform.ErrPackageNotFound
	}
	return img, nil
}

type stubSource struct {
	stubPM
	active []*platform.Notification
	err    error
}

func (s stubSource) ActiveNotifications(context.Context) ([]*platform.Notification, error) {
	return s.active, s.err
}

// countingImages records which extraction calls were made.
type countingImages struct {
	Images
	mu       sync.Mutex
	large    int
	pictures int
}

func (c *countingImages) LargeIcon(n *platform.Notification) ([]byte, bool) {
	c.mu.Lock()
	c.large++
	c.mu.Unlock()
	return c.Images.LargeIcon(n)
}

func (c *countingImages) EmbeddedPicture(n *platform.Notification) ([]byte, bool) {
	c.mu.Lock()
	c.pictures++
	c.mu.Unlock()
	return c.Images.EmbeddedPicture(n)
}

func str(s string) *string { return &s }

func square() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.White)
	return img
}

func chatNotification(inputKey string) *platform.Notification {
	return &platform.Notification{
		PackageName: "com.example.chat",
		ID:          42,
		Extras:      &platform.Extras{Title: str("Alice"), Text: str("hi")},
		LargeIcon:   stubIcon{img: square()},
		Actions: []platform.Action{{
			Title:        "Reply",
			Callback:     &stubCallback{name: inputKey},
			RemoteInputs: []platform.RemoteInput{{ResultKey: inputKey}},
		}},
	}
}

func newFixture(sdk int) (*Normalizer, reply.Cache, *countingImages) {
	cache := reply.NewCache(0)
	imgs := &countingImages{Images: asset.New(stubPM{"com.example.chat": square()}, logx.Nop())}
	return NewNormalizer(imgs, cache, sdk, logx.Nop()), cache, imgs
}

func TestNormalizePostedChatScenario(t *testing.T) {
	z, cache, _ := newFixture(34)

	rec := z.Normalize(chatNotification("reply_text"), false)

	assert.Equal(t, "com.example.chat", rec.PackageName)
	assert.Equal(t, 42, rec.ID)
	require.NotNil(t, rec.Title)
	assert.Equal(t, "Alice", *rec.Title)
	require.NotNil(t, rec.Content)
	assert.Equal(t, "hi", *rec.Content)
	assert.True(t, rec.CanReply)
	assert.False(t, rec.IsRemoved)
	assert.False(t, rec.IsOngoing)
	assert.NotNil(t, rec.AppIconImage)
	assert.NotNil(t, rec.LargeIconImage)
	assert.False(t, rec.HasExtraPicture)
	assert.Nil(t, rec.ExtraPictureImage)

	a, ok := cache.Get(42)
	require.True(t, ok)
	assert.Equal(t, "reply_text", a.InputKey)
}

func TestNormalizeRemovalRewritesCache(t *testing.T) {
	z, cache, _ := newFixture(34)
	z.Normalize(chatNotification("reply_text"), false)

	n := chatNotification("reply_text")
	rec := z.Normalize(n, true)

	assert.True(t, rec.IsRemoved)
	assert.True(t, rec.CanReply)
	a, ok := cache.Get(42)
	require.True(t, ok, "removal must not clear the entry")
	assert.Same(t, n.Actions[0].Callback, a.Callback, "entry re-written from the removal event")
}

func TestNormalizeOverwritesCacheEntry(t *testing.T) {
	z, cache, _ := newFixture(34)
	z.Normalize(chatNotification("first_key"), false)
	z.Normalize(chatNotification("second_key"), false)

	a, ok := cache.Get(42)
	require.True(t, ok)
	assert.Equal(t, "second_key", a.InputKey)
	assert.Equal(t, 1, cache.Len())
}

func TestNormalizeNoActionsLeavesCacheAlone(t *testing.T) {
	z, cache, _ := newFixture(34)
	n := chatNotification("x")
	n.Actions = nil

	rec := z.Normalize(n, false)
	assert.False(t, rec.CanReply)
	assert.Equal(t, 0, cache.Len())
}

func TestNormalizeFirstReplyActionIsCached(t *testing.T) {
	z, cache, _ := newFixture(34)
	n := chatNotification("a")
	first := &stubCallback{name: "first"}
	n.Actions = []platform.Action{
		{Title: "Archive", Callback: &stubCallback{name: "archive"}},
		{Title: "Reply", Callback: first, RemoteInputs: []platform.RemoteInput{{ResultKey: "first_key"}}},
		{Title: "Reply 2", Callback: &stubCallback{name: "second"}, RemoteInputs: []platform.RemoteInput{{ResultKey: "second_key"}}},
	}

	z.Normalize(n, false)
	a, ok := cache.Get(42)
	require.True(t, ok)
	assert.Same(t, first, a.Callback)
	assert.Equal(t, "first_key", a.InputKey)
}

func TestNormalizeLargeIconVersionGate(t *testing.T) {
	z, _, imgs := newFixture(platform.VersionLargeIcon - 1)

	rec := z.Normalize(chatNotification("k"), false)
	assert.Nil(t, rec.LargeIconImage)
	assert.Equal(t, 0, imgs.large, "large icon must not be requested below the gate")
	assert.False(t, z.LargeIconSupported())
}

func TestNormalizePictureFlagWithNilPicture(t *testing.T) {
	z, _, imgs := newFixture(34)
	n := chatNotification("k")
	n.Extras.HasPicture = true

	rec := z.Normalize(n, false)
	assert.True(t, rec.HasExtraPicture)
	assert.Nil(t, rec.ExtraPictureImage)
	assert.Equal(t, 1, imgs.pictures)
}

func TestNormalizePictureSkippedWithoutFlag(t *testing.T) {
	z, _, imgs := newFixture(34)
	n := chatNotification("k")
	n.Extras.Picture = square()

	rec := z.Normalize(n, false)
	assert.False(t, rec.HasExtraPicture)
	assert.Nil(t, rec.ExtraPictureImage)
	assert.Equal(t, 0, imgs.pictures)
}

func TestNormalizePicture(t *testing.T) {
	z, _, _ := newFixture(34)
	n := chatNotification("k")
	n.Extras.HasPicture = true
	n.Extras.Picture = square()

	rec := z.Normalize(n, false)
	assert.NotNil(t, rec.ExtraPictureImage)
}

func TestNormalizeOngoingAndMissingExtras(t *testing.T) {
	z, _, _ := newFixture(34)
	n := &platform.Notification{PackageName: "com.music", ID: 7, Flags: platform.FlagOngoingEvent | 0x40}

	rec := z.Normalize(n, true)
	assert.True(t, rec.IsOngoing)
	assert.True(t, rec.IsRemoved)
	assert.Nil(t, rec.Title)
	assert.Nil(t, rec.Content)
	assert.Nil(t, rec.AppIconImage, "unknown package has no icon")
}

func TestNormalizeEmptyTitleStaysPresent(t *testing.T) {
	z, _, _ := newFixture(34)
	n := chatNotification("k")
	n.Extras.Title = str("")
	n.Extras.Text = nil

	rec := z.Normalize(n, false)
	require.NotNil(t, rec.Title)
	assert.Equal(t, "", *rec.Title)
	assert.Nil(t, rec.Content)
}

func TestRecordJSONKeepsAbsentFields(t *testing.T) {
	b, err := json.Marshal(Record{PackageName: "p", ID: 1})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	for _, k := range []string{"packageName", "id", "canReply", "isOngoing", "isRemoved", "title", "content", "hasExtraPicture", "appIconImage", "largeIconImage", "extraPictureImage"} {
		assert.Contains(t, m, k)
	}
	assert.Nil(t, m["title"])
}

func TestSnapshotThreeActive(t *testing.T) {
	withPicFlag := chatNotification("k")
	withPicFlag.ID = 1
	withPicFlag.Extras.HasPicture = true

	plain := &platform.Notification{PackageName: "com.example.chat", ID: 2}
	unknownPkg := &platform.Notification{PackageName: "com.gone", ID: 3, Extras: &platform.Extras{Title: str("t")}}

	src := stubSource{stubPM: stubPM{"com.example.chat": square()}, active: []*platform.Notification{withPicFlag, plain, unknownPkg}}
	cache := reply.NewCache(0)
	z := NewNormalizer(asset.New(src, logx.Nop()), cache, 34, logx.Nop())

	recs, err := NewSnapshot(src, z, logx.Nop()).ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, []int{1, 2, 3}, []int{recs[0].ID, recs[1].ID, recs[2].ID}, "platform order kept")
	for _, r := range recs {
		assert.False(t, r.IsRemoved)
	}
	assert.True(t, recs[0].HasExtraPicture)
	assert.Nil(t, recs[0].ExtraPictureImage)
	assert.Nil(t, recs[2].AppIconImage)
	assert.NotNil(t, recs[1].AppIconImage)

	_, ok := cache.Get(1)
	assert.True(t, ok, "snapshot populates the cache too")
}

type panicIcon struct{}

func (panicIcon) Load() (image.Image, error) { panic("boom") }

type panickyImages struct{ Images }

func (panickyImages) AppIcon(pkg string) ([]byte, bool) {
	if pkg == "com.bad" {
		panic("corrupt handle")
	}
	return nil, false
}

func TestSnapshotIsolatesFailingEntry(t *testing.T) {
	src := stubSource{active: []*platform.Notification{
		{PackageName: "com.ok", ID: 1},
		{PackageName: "com.bad", ID: 2},
		{PackageName: "com.ok", ID: 3, LargeIcon: panicIcon{}},
	}}
	z := NewNormalizer(panickyImages{Images: asset.New(nil, logx.Nop())}, reply.NewCache(0), 34, logx.Nop())

	recs, err := NewSnapshot(src, z, logx.Nop()).ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 1, recs[0].ID)
	assert.Equal(t, 3, recs[1].ID)
}

func TestSnapshotFailedEntryLeavesNoCachedAction(t *testing.T) {
	bad := chatNotification("reply_text")
	bad.PackageName, bad.ID = "com.bad", 9
	cache := reply.NewCache(0)
	z := NewNormalizer(panickyImages{Images: asset.New(nil, logx.Nop())}, cache, 34, logx.Nop())

	recs, err := NewSnapshot(stubSource{active: []*platform.Notification{bad}}, z, logx.Nop()).ListActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
	_, cached := cache.Get(9)
	assert.False(t, cached)
}

func TestSnapshotPlatformError(t *testing.T) {
	boom := errors.New("listener not connected")
	z, _, _ := newFixture(34)
	_, err := NewSnapshot(stubSource{err: boom}, z, logx.Nop()).ListActive(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestListenerPublishesKinds(t *testing.T) {
	z, _, _ := newFixture(34)
	var got []Event
	pub := PublisherFunc(func(_ context.Context, ev Event) error {
		got = append(got, ev)
		return errors.New("ignored")
	})
	l := NewListener(z, pub, logx.Nop())

	l.OnPosted(chatNotification("k"))
	l.OnRemoved(chatNotification("k"))
	l.OnPosted(nil)

	require.Len(t, got, 2)
	assert.Equal(t, KindPosted, got[0].Kind)
	assert.False(t, got[0].Record.IsRemoved)
	assert.Equal(t, KindRemoved, got[1].Kind)
	assert.True(t, got[1].Record.IsRemoved)
	assert.NotEqual(t, got[0].ID, got[1].ID)
	assert.NotEmpty(t, got[0].ID)
}
