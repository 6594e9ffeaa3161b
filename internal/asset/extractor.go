// Package asset turns platform image handles into portable PNG bytes.
//
// Every operation is best-effort: failures are logged and reported as an
// absent image, never returned to the caller.
package asset

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"notibridge/internal/platform"
	logx "notibridge/pkg/logx"
)

var (
	ErrNilImage   = errors.New("image handle resolved to nil")
	ErrEmptyImage = errors.New("image has empty bounds")
)

// Extractor encodes app icons, large icons and embedded pictures.
type Extractor struct {
	pm  platform.PackageManager
	log logx.Logger
	enc png.Encoder

	// icons caches encoded app icons by package; nil disables caching.
	icons *gocache.Cache
}

type Option func(*Extractor)

// WithIconCache keeps encoded app icons for ttl. Misses are not cached, so a
// package installed later is picked up on the next notification.
func WithIconCache(ttl time.Duration) Option {
	return func(e *Extractor) {
		if ttl > 0 {
			e.icons = gocache.New(ttl, 2*ttl)
		}
	}
}

func New(pm platform.PackageManager, log logx.Logger, opts ...Option) *Extractor {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Extractor{
		pm:  pm,
		log: log,
		enc: png.Encoder{CompressionLevel: png.DefaultCompression, BufferPool: &bufferPool{}},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// CachedIcons reports how many app icons are held; 0 without a cache.
func (e *Extractor) CachedIcons() int {
	if e.icons == nil {
		return 0
	}
	return e.icons.ItemCount()
}

// AppIcon encodes the launcher icon of packageName.
func (e *Extractor) AppIcon(packageName string) ([]byte, bool) {
	if e.icons != nil {
		if v, ok := e.icons.Get(packageName); ok {
			return v.([]byte), true
		}
	}
	b, err := e.safe(func() ([]byte, error) {
		if e.pm == nil {
			return nil, fmt.Errorf("%w: no package manager", platform.ErrPackageNotFound)
		}
		img, err := e.pm.ApplicationIcon(packageName)
		if err != nil {
			return nil, err
		}
		return e.Encode(img)
	})
	if err != nil {
		e.log.Warn("app icon unavailable", logx.String("pkg", packageName), logx.Err(err))
		return nil, false
	}
	if e.icons != nil {
		e.icons.SetDefault(packageName, b)
	}
	return b, true
}

// LargeIcon encodes the notification's large icon. Callers gate this on
// platform.VersionLargeIcon; it is not a version check itself.
func (e *Extractor) LargeIcon(n *platform.Notification) ([]byte, bool) {
	if n == nil || n.LargeIcon == nil {
		return nil, false
	}
	b, err := e.safe(func() ([]byte, error) {
		img, err := n.LargeIcon.Load()
		if err != nil {
			return nil, err
		}
		return e.Encode(img)
	})
	if err != nil {
		e.log.Warn("large icon unavailable", logx.String("pkg", n.PackageName), logx.Int("id", n.ID), logx.Err(err))
		return nil, false
	}
	return b, true
}

// EmbeddedPicture encodes the picture attached to the notification. It must
// only be called when Extras.HasPicture is set.
func (e *Extractor) EmbeddedPicture(n *platform.Notification) ([]byte, bool) {
	if n == nil || n.Extras == nil {
		return nil, false
	}
	if n.Extras.Picture == nil {
		e.log.Warn("picture flag set but picture is nil", logx.String("pkg", n.PackageName), logx.Int("id", n.ID))
		return nil, false
	}
	b, err := e.safe(func() ([]byte, error) { return e.Encode(n.Extras.Picture) })
	if err != nil {
		e.log.Warn("picture unavailable", logx.String("pkg", n.PackageName), logx.Int("id", n.ID), logx.Err(err))
		return nil, false
	}
	return b, true
}

// Encode rasterizes img and serializes it as PNG.
func (e *Extractor) Encode(img image.Image) ([]byte, error) {
	raster, err := Rasterize(img)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := e.enc.Encode(&buf, raster); err != nil {
		return nil, fmt.Errorf("png encode: %w", err)
	}
	return buf.Bytes(), nil
}

// safe runs fn and converts a panic inside a platform handle into an error.
func (e *Extractor) safe(fn func() ([]byte, error)) (b []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			b, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// Rasterize draws img into an NRGBA bitmap anchored at the origin.
func Rasterize(img image.Image) (*image.NRGBA, error) {
	if img == nil {
		return nil, ErrNilImage
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, ErrEmptyImage
	}
	if nrgba, ok := img.(*image.NRGBA); ok && bounds.Min == (image.Point{}) {
		return nrgba, nil
	}
	dst := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)
	return dst, nil
}

type bufferPool struct{ p sync.Pool }

func (bp *bufferPool) Get() *png.EncoderBuffer {
	b, _ := bp.p.Get().(*png.EncoderBuffer)
	return b
}

func (bp *bufferPool) Put(b *png.EncoderBuffer) { bp.p.Put(b) }
