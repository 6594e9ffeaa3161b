package notification

import (
	"notibridge/internal/asset"
	"notibridge/internal/platform"
	"notibridge/internal/reply"
	logx "notibridge/pkg/logx"
)

// Images is the asset extraction surface the normalizer depends on.
type Images interface {
	AppIcon(packageName string) ([]byte, bool)
	LargeIcon(n *platform.Notification) ([]byte, bool)
	EmbeddedPicture(n *platform.Notification) ([]byte, bool)
}

var _ Images = (*asset.Extractor)(nil)

// Normalizer converts platform notifications into Records. Apart from writing
// resolved reply actions into the cache, every call is independent.
type Normalizer struct {
	images     Images
	cache      reply.Cache
	sdkVersion int
	log        logx.Logger
}

func NewNormalizer(images Images, cache reply.Cache, sdkVersion int, log logx.Logger) *Normalizer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Normalizer{images: images, cache: cache, sdkVersion: sdkVersion, log: log}
}

// LargeIconSupported reports whether the large-icon gate is open.
func (z *Normalizer) LargeIconSupported() bool {
	return z.sdkVersion >= platform.VersionLargeIcon
}

// Normalize builds the record for n. isRemoved is copied verbatim.
//
// A resolvable reply action overwrites the cache entry for n.ID even when
// isRemoved is set, so a removal can re-populate the cache.
func (z *Normalizer) Normalize(n *platform.Notification, isRemoved bool) Record {
	rec := Record{
		PackageName: n.PackageName,
		ID:          n.ID,
		IsOngoing:   n.Ongoing(),
		IsRemoved:   isRemoved,
	}
	if ex := n.Extras; ex != nil {
		rec.Title = cloneText(ex.Title)
		rec.Content = cloneText(ex.Text)
		rec.HasExtraPicture = ex.HasPicture
	}

	action, canReply := reply.Resolve(n)
	rec.CanReply = canReply

	if z.images != nil {
		rec.AppIconImage, _ = z.images.AppIcon(n.PackageName)
		if z.LargeIconSupported() {
			rec.LargeIconImage, _ = z.images.LargeIcon(n)
		}
		if rec.HasExtraPicture {
			rec.ExtraPictureImage, _ = z.images.EmbeddedPicture(n)
		}
	}

	z.log.Debug("notification normalized",
		logx.String("pkg", rec.PackageName),
		logx.Int("id", rec.ID),
		logx.Bool("removed", rec.IsRemoved),
		logx.Bool("can_reply", rec.CanReply),
		logx.Bool("app_icon", rec.AppIconImage != nil),
		logx.Bool("large_icon", rec.LargeIconImage != nil),
		logx.Bool("picture", rec.ExtraPictureImage != nil),
	)
	// cache last, so a record that aborts part-way leaves no entry behind
	if canReply && z.cache != nil {
		z.cache.Put(n.ID, action)
	}
	return rec
}

func cloneText(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
