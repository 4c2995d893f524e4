// Package framecache implements the frame pair cache (B): the single
// mutex-guarded (previous, current) slot pair every reader but the event
// processor's still-save path goes through. Generalized from a fixed-size
// ring of raw JPEG bytes into a two-slot decoded-frame rotation with an
// in-lock detection-resolution downscale.
package framecache

import (
	"image"
	"sync"

	"golang.org/x/image/draw"

	"github.com/kklasmeier/security-camera-go/internal/camera"
)

// Cache holds the live frame pair. Both slots start empty.
type Cache struct {
	mu       sync.Mutex
	previous *camera.Frame
	current  *camera.Frame
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{}
}

// Push rotates the pair: previous <- current, current <- frame. The old
// previous frame is dropped (left for GC) as soon as the lock is released.
func (c *Cache) Push(frame camera.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.previous = c.current
	f := frame
	c.current = &f
}

// PairForDetection returns detection-resolution copies of (previous, current),
// or ok=false if either slot is still empty. The resize happens while the
// lock is held so the copies handed back are the only allocation a caller
// pays for — full-resolution frames (several MB) never leave the lock.
func (c *Cache) PairForDetection(width, height int) (previous, current image.Image, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.previous == nil || c.current == nil {
		return nil, nil, false
	}

	return downscale(c.previous.Image, width, height), downscale(c.current.Image, width, height), true
}

// CurrentForStream returns an owned copy of the current full-resolution
// frame, or ok=false if nothing has been pushed yet.
func (c *Cache) CurrentForStream() (camera.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return camera.Frame{}, false
	}
	return *c.current, true
}

// downscale produces an owned copy at (width, height) using approximate
// bilinear interpolation — golang.org/x/image/draw has no dedicated area
// filter, and ApproxBiLinear is the cheapest box-like approximation of one.
func downscale(src image.Image, width, height int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}
