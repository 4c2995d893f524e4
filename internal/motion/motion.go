// Package motion implements the motion detector worker (E): a green-channel
// absolute-difference detector over the frame pair cache's detection-sized
// pair, gated by a cooldown and a pause flag the watchdog can flip during
// recovery.
package motion

import (
	"context"
	"image"
	"image/color"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/kklasmeier/security-camera-go/internal/camera"
	"github.com/kklasmeier/security-camera-go/internal/framecache"
	"github.com/kklasmeier/security-camera-go/internal/imaging"
	"github.com/kklasmeier/security-camera-go/internal/motionsignal"
)

const filenameLayout = "2006.01.02--15.04.05"

// EventRecorder is the one store method the detector needs: creating the
// initial event row before signaling F. Accepting this narrow interface
// instead of the full store.EventStore keeps the detector's dependency
// surface honest.
type EventRecorder interface {
	AddEvent(ctx context.Context, ts time.Time, motionScore int, imageAPath string) (int64, error)
}

// Detector is the motion detector worker (E).
type Detector struct {
	logger *slog.Logger

	driver      camera.Driver
	cache       *framecache.Cache
	signal      *motionsignal.Mailbox
	events      EventRecorder
	picturesDir string

	detectionWidth, detectionHeight int
	thresholdPerPixel                uint8
	sensitivityPx                    int
	cooldown                        time.Duration
	jpegQuality                      int

	tickInterval time.Duration

	paused          atomic.Bool
	debugMode       atomic.Bool
	lastDetectionAt atomic.Int64 // unix nanos; 0 means "never"
}

// Config bundles the tunables Detector needs, mirroring config.Motion and
// config.Capture's detection fields.
type Config struct {
	DetectionWidth, DetectionHeight int
	ThresholdPerPixel               uint8
	SensitivityPx                   int
	Cooldown                        time.Duration
	TickInterval                    time.Duration
	JPEGQuality                     int
}

// New builds a detector. picturesDir is where "_a.jpg" stills are written.
func New(logger *slog.Logger, driver camera.Driver, cache *framecache.Cache, signal *motionsignal.Mailbox, events EventRecorder, picturesDir string, cfg Config) *Detector {
	return &Detector{
		logger:            logger,
		driver:            driver,
		cache:             cache,
		signal:            signal,
		events:            events,
		picturesDir:       picturesDir,
		detectionWidth:    cfg.DetectionWidth,
		detectionHeight:   cfg.DetectionHeight,
		thresholdPerPixel: cfg.ThresholdPerPixel,
		sensitivityPx:     cfg.SensitivityPx,
		cooldown:          cfg.Cooldown,
		jpegQuality:       cfg.JPEGQuality,
		tickInterval:      cfg.TickInterval,
	}
}

// Pause stops detection (the watchdog calls this during recovery).
func (d *Detector) Pause() { d.paused.Store(true) }

// Resume re-enables detection.
func (d *Detector) Resume() { d.paused.Store(false) }

// SetDebugMode toggles writing a debug.jpg of the diffed frame alongside
// normal operation, the Go analogue of a debug visualization flag.
func (d *Detector) SetDebugMode(on bool) { d.debugMode.Store(on) }

// RebindCache swaps in a new frame cache after the watchdog recovers A/B.
// E naturally tolerates an empty pair immediately after rebind (step 3).
func (d *Detector) RebindCache(cache *framecache.Cache) { d.cache = cache }

// RebindDriver swaps in a new camera driver after a watchdog recovery
// replaces the camera/encoder handle.
func (d *Detector) RebindDriver(driver camera.Driver) { d.driver = driver }

// Run loops until ctx is canceled.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Detector) tick(ctx context.Context) {
	if d.paused.Load() {
		return
	}

	if last := d.lastDetectionAt.Load(); last != 0 {
		if time.Since(time.Unix(0, last)) < d.cooldown {
			return
		}
	}

	prev, cur, ok := d.cache.PairForDetection(d.detectionWidth, d.detectionHeight)
	if !ok {
		return
	}

	changed := greenChannelDiff(prev, cur, d.thresholdPerPixel)

	if d.debugMode.Load() {
		d.writeDebugFrame(cur)
	}

	if changed <= d.sensitivityPx {
		return
	}

	d.onMotion(ctx, changed)
}

// writeDebugFrame overwrites a single debug.jpg with the current
// detection-resolution frame so an operator can eyeball what the detector
// is actually comparing against. Best-effort: a write failure here must
// never interrupt detection.
func (d *Detector) writeDebugFrame(cur image.Image) {
	data, err := imaging.EncodeJPEG(cur, d.jpegQuality)
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(d.picturesDir, "debug.jpg"), data, 0o644)
}

// onMotion runs the full detection-to-signal sequence.
func (d *Detector) onMotion(ctx context.Context, changedPixels int) {
	now := time.Now()
	base := now.Format(filenameLayout)

	frame, err := d.driver.CaptureStill(ctx)
	if err != nil {
		d.logger.Error("motion: failed to capture still for event", "error", err)
		return
	}

	imagePath := filepath.Join(d.picturesDir, base+"_a.jpg")
	if err := os.WriteFile(imagePath, frame.JPEGBytes, 0o644); err != nil {
		d.logger.Error("motion: failed to write still", "path", imagePath, "error", err)
		return
	}

	eventID, err := d.events.AddEvent(ctx, now, changedPixels, imagePath)
	if err != nil {
		d.logger.Error("motion: failed to create event record", "error", err)
		return
	}

	// The event row must exist before the signal fires, never after.
	d.signal.Set(eventID, now)
	d.lastDetectionAt.Store(now.UnixNano())

	d.logger.Info("motion detected", "event_id", eventID, "changed_pixels", changedPixels)
}

// greenChannelDiff counts pixels whose green channel differs by more than
// threshold between a and b. Frames are expected to be the same size (both
// came from the same detection-resolution downscale); callers guarantee
// that, so no bounds reconciliation is attempted here.
func greenChannelDiff(a, b image.Image, threshold uint8) int {
	bounds := a.Bounds()
	changed := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			g1 := greenOf(a.At(x, y))
			g2 := greenOf(b.At(x, y))
			diff := int(g1) - int(g2)
			if diff < 0 {
				diff = -diff
			}
			if diff > int(threshold) {
				changed++
			}
		}
	}
	return changed
}

// greenOf extracts an 8-bit green sample. A single-plane (grayscale) frame
// degrades gracefully: its "green" channel equals its luminance, treating
// the whole frame as a luminance proxy.
func greenOf(c color.Color) uint8 {
	_, g, _, _ := c.RGBA()
	return uint8(g >> 8)
}
