// Package eventproc implements the event processor worker (F): it blocks on
// the motion signal, then runs picture B, thumbnail, and video persistence
// — the video save is the dump-clear-refill-dump protocol, the hardest
// algorithm in the system.
package eventproc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/kklasmeier/security-camera-go/internal/camera"
	"github.com/kklasmeier/security-camera-go/internal/chunkring"
	"github.com/kklasmeier/security-camera-go/internal/framecache"
	"github.com/kklasmeier/security-camera-go/internal/imaging"
	"github.com/kklasmeier/security-camera-go/internal/motionsignal"
)

// EventUpdater is the subset of store.EventStore the processor writes back
// to as each stage of an event completes.
type EventUpdater interface {
	SavePictureB(ctx context.Context, id int64, path string) error
	SaveThumbnail(ctx context.Context, id int64, path string) error
	SaveVideo(ctx context.Context, id int64, path string, durationSeconds int) error
}

// Config bundles the processor's tunables.
type Config struct {
	PictureBDelay        time.Duration
	ThumbnailWidth       int
	ThumbnailHeight      int
	ThumbnailJPEGQuality int
	PictureJPEGQuality   int
	BitrateBps           int

	TargetFillPercent float64
	SaveTimeout       time.Duration

	PicturesDir string
	ThumbsDir   string
	VideosDir   string
}

// Processor is the event processor worker (F).
type Processor struct {
	logger *slog.Logger

	driver camera.Driver
	ring   *chunkring.Ring
	signal *motionsignal.Mailbox
	events EventUpdater
	cfg    Config

	paused atomic.Bool
}

// New builds a processor.
func New(logger *slog.Logger, driver camera.Driver, ring *chunkring.Ring, signal *motionsignal.Mailbox, events EventUpdater, cfg Config) *Processor {
	return &Processor{logger: logger, driver: driver, ring: ring, signal: signal, events: events, cfg: cfg}
}

// Pause stops the processor from picking up new signals. It does not wait
// for or interrupt a save already in progress; that save keeps using the
// ring it started with, so a RebindRing made meanwhile does not affect it.
func (p *Processor) Pause() { p.paused.Store(true) }

// Resume re-enables signal consumption.
func (p *Processor) Resume() { p.paused.Store(false) }

// RebindRing swaps in a new chunk ring after a watchdog recovery.
func (p *Processor) RebindRing(ring *chunkring.Ring) { p.ring = ring }

// RebindDriver swaps in a new camera driver after a watchdog recovery
// replaces the camera/encoder handle.
func (p *Processor) RebindDriver(driver camera.Driver) { p.driver = driver }

// Run loops until ctx is canceled, processing one motion event at a time.
func (p *Processor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if p.paused.Load() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		sig, ok := p.signal.WaitAndConsume(ctx)
		if !ok {
			continue
		}
		p.processEvent(ctx, sig)
	}
}

func (p *Processor) processEvent(ctx context.Context, sig motionsignal.Signal) {
	base := sig.Timestamp.Format(filenameLayout)

	select {
	case <-ctx.Done():
		return
	case <-time.After(p.cfg.PictureBDelay):
	}

	p.saveStillB(ctx, sig.EventID, base)
	p.saveVideo(ctx, sig.EventID, base)
}

const filenameLayout = "2006.01.02--15.04.05"

func (p *Processor) saveStillB(ctx context.Context, eventID int64, base string) {
	frame, err := p.driver.CaptureStill(ctx)
	if err != nil {
		p.logger.Error("eventproc: failed to capture picture B", "event_id", eventID, "error", err)
		return
	}

	imagePath := filepath.Join(p.cfg.PicturesDir, base+"_b.jpg")
	if err := os.WriteFile(imagePath, frame.JPEGBytes, 0o644); err != nil {
		p.logger.Error("eventproc: failed to write picture B", "event_id", eventID, "error", err)
		return
	}
	if err := p.events.SavePictureB(ctx, eventID, imagePath); err != nil {
		p.logger.Error("eventproc: failed to record picture B path", "event_id", eventID, "error", err)
	}

	thumbData, err := imaging.Thumbnail(frame.Image, p.cfg.ThumbnailWidth, p.cfg.ThumbnailHeight, p.cfg.ThumbnailJPEGQuality)
	if err != nil {
		p.logger.Error("eventproc: failed to build thumbnail", "event_id", eventID, "error", err)
		return
	}
	thumbPath := filepath.Join(p.cfg.ThumbsDir, base+"_b.jpg")
	if err := os.WriteFile(thumbPath, thumbData, 0o644); err != nil {
		p.logger.Error("eventproc: failed to write thumbnail", "event_id", eventID, "error", err)
		return
	}
	if err := p.events.SaveThumbnail(ctx, eventID, thumbPath); err != nil {
		p.logger.Error("eventproc: failed to record thumbnail path", "event_id", eventID, "error", err)
	}
}

func (p *Processor) saveVideo(ctx context.Context, eventID int64, base string) {
	videoPath := filepath.Join(p.cfg.VideosDir, base+".h264")

	f, err := os.Create(videoPath)
	if err != nil {
		p.logger.Error("eventproc: failed to create video file", "event_id", eventID, "error", err)
		return
	}

	written, err := p.saveProtocol(ctx, f)
	closeErr := f.Close()
	if err != nil {
		p.logger.Error("eventproc: video save protocol failed", "event_id", eventID, "error", err)
		return
	}
	if closeErr != nil {
		p.logger.Error("eventproc: failed to close video file", "event_id", eventID, "error", closeErr)
		return
	}

	durationSeconds := 0
	if p.cfg.BitrateBps > 0 {
		durationSeconds = int(written*8) / p.cfg.BitrateBps
	}

	if err := p.events.SaveVideo(ctx, eventID, videoPath, durationSeconds); err != nil {
		p.logger.Error("eventproc: failed to record video path", "event_id", eventID, "error", err)
	}

	// The pending marker is created strictly after the video's fsync
	// succeeds above (saveProtocol already fsynced before returning).
	pendingPath := videoPath + ".pending"
	if err := os.WriteFile(pendingPath, nil, 0o644); err != nil {
		p.logger.Error("eventproc: failed to write pending marker", "event_id", eventID, "error", err)
	}
}

// saveProtocol runs the four-phase dump-clear-refill-dump algorithm against
// an already-open output file, returning the total bytes written.
func (p *Processor) saveProtocol(ctx context.Context, f *os.File) (int64, error) {
	var total int64
	ring := p.ring

	// Phase 1: pre-dump.
	n, err := p.dumpFromKeyframe(f, ring.Snapshot())
	if err != nil {
		p.logger.Warn("eventproc: phase 1 pre-dump skipped", "error", err)
	}
	total += n
	if err := flushPeriodically(f); err != nil {
		return total, fmt.Errorf("eventproc: phase 1 flush: %w", err)
	}

	// Phase 2: clear. The encoder keeps producing into the now-empty ring.
	ring.Clear()

	// Phase 3: refill wait.
	targetChunks := int(float64(ring.MaxChunks()) * p.cfg.TargetFillPercent)
	p.waitForRefill(ctx, ring, targetChunks)

	// Phase 4: post-dump, final flush + fsync.
	n2, err := p.dumpFromKeyframe(f, ring.Snapshot())
	if err != nil {
		p.logger.Warn("eventproc: phase 4 post-dump skipped", "error", err)
	}
	total += n2

	if err := f.Sync(); err != nil {
		return total, fmt.Errorf("eventproc: final fsync: %w", err)
	}
	return total, nil
}

// dumpFromKeyframe scans chunks forward to the first keyframe, drops
// everything before it, and appends the rest to f. Returns bytes written.
func (p *Processor) dumpFromKeyframe(f *os.File, chunks []chunkring.Chunk) (int64, error) {
	start := -1
	for i, c := range chunks {
		if c.IsKeyframe {
			start = i
			break
		}
	}
	if start == -1 {
		return 0, fmt.Errorf("no keyframe found in %d chunks", len(chunks))
	}

	var written int64
	for i := start; i < len(chunks); i++ {
		n, err := f.Write(chunks[i].Bytes)
		if err != nil {
			return written, fmt.Errorf("write chunk %d: %w", i, err)
		}
		written += int64(n)

		if (i-start+1)%100 == 0 {
			if err := f.Sync(); err != nil {
				return written, fmt.Errorf("periodic flush: %w", err)
			}
		}
	}
	return written, nil
}

func flushPeriodically(f *os.File) error {
	return f.Sync()
}

// waitForRefill sleep-polls every 0.5s, logging progress every 5s, until the
// ring reaches targetChunks or cfg.SaveTimeout elapses. A timeout is a
// warning, not an error: phase 4 proceeds with whatever is present.
func (p *Processor) waitForRefill(ctx context.Context, ring *chunkring.Ring, targetChunks int) {
	deadline := time.Now().Add(p.cfg.SaveTimeout)
	lastLog := time.Now()

	for ring.Len() < targetChunks {
		if time.Now().After(deadline) {
			p.logger.Warn("eventproc: refill wait timed out", "have", ring.Len(), "target", targetChunks)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
		if time.Since(lastLog) >= 5*time.Second {
			p.logger.Info("eventproc: refill in progress", "have", ring.Len(), "target", targetChunks)
			lastLog = time.Now()
		}
	}
}
