// Package watchdog implements the supervisory watchdog (H): it watches
// capture-worker liveness and ring health, and on a stall performs a full
// pause-drop-rebuild-rebind-resume recovery across the dependent workers.
package watchdog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kklasmeier/security-camera-go/internal/camera"
	"github.com/kklasmeier/security-camera-go/internal/capture"
	"github.com/kklasmeier/security-camera-go/internal/chunkring"
	"github.com/kklasmeier/security-camera-go/internal/mjpeg"
)

// Bundle is one live instance of the camera/encoder/ring/capture-worker
// group (A). Stop tears down its background goroutines, after which Ring
// is no longer written to. Stop must be safe to call more than once: a
// failed recovery leaves the old bundle current, so the next recovery
// attempt and shutdown stop it again.
type Bundle struct {
	Ring    *chunkring.Ring
	Driver  camera.Driver
	Capture *capture.Worker
	Stop    func()
}

// Builder constructs and starts a fresh Bundle. The orchestrator supplies
// this so the watchdog never has to know how to build a camera driver or
// how the capture worker/encoder goroutines get wired.
type Builder func(ctx context.Context) (*Bundle, error)

// Pauser is satisfied by the motion detector and the event processor.
type Pauser interface {
	Pause()
	Resume()
}

// RingRebinder is satisfied by the event processor: it dumps directly from
// the ring, so it needs the new instance after a rebuild.
type RingRebinder interface {
	RebindRing(ring *chunkring.Ring)
}

// DriverRebinder is satisfied by the motion detector and the event
// processor: both issue fresh stills through the camera driver.
type DriverRebinder interface {
	RebindDriver(driver camera.Driver)
}

// CaptureRebinder is satisfied by the MJPEG server: the capture worker
// instance it raises/restores the interval on is replaced wholesale on
// every rebuild, unlike the frame cache, which recovery leaves untouched.
type CaptureRebinder interface {
	RebindCapture(capture mjpeg.IntervalSetter)
}

// Config bundles the watchdog's tunables.
type Config struct {
	TickInterval        time.Duration
	StallTimeout        time.Duration
	RestartSuppress     time.Duration
	ExcessiveEvictionsX uint64 // evictions > this × max_chunks logs a warning
}

// detectorHandle is what the watchdog needs from the motion detector: pause
// control plus the ability to rebind its camera driver after a rebuild.
type detectorHandle interface {
	Pauser
	DriverRebinder
}

// processorHandle is what the watchdog needs from the event processor:
// pause control plus rebinding both the ring and the camera driver.
type processorHandle interface {
	Pauser
	RingRebinder
	DriverRebinder
}

// Watchdog is the supervisory watchdog (H).
type Watchdog struct {
	logger  *slog.Logger
	builder Builder
	cfg     Config

	detector  detectorHandle
	processor processorHandle
	server    CaptureRebinder

	mu                  sync.Mutex
	current             *Bundle
	lastRecovery        time.Time
	consecutiveTimeouts int
}

// New builds a watchdog supervising an initial bundle.
func New(logger *slog.Logger, builder Builder, initial *Bundle, detector detectorHandle, processor processorHandle, cfg Config) *Watchdog {
	return &Watchdog{
		logger:    logger,
		builder:   builder,
		cfg:       cfg,
		detector:  detector,
		processor: processor,
		current:   initial,
	}
}

// SetServer registers the MJPEG server for capture-worker rebinding. Optional:
// a watchdog with no server set simply skips that rebind step.
func (w *Watchdog) SetServer(server CaptureRebinder) { w.server = server }

// Current returns the live bundle, which may have been replaced by a
// recovery since the watchdog was constructed. Callers tearing down the
// daemon must stop this one, not whatever bundle they originally built.
func (w *Watchdog) Current() *Bundle {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run loops until ctx is canceled, ticking every cfg.TickInterval.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Watchdog) tick(ctx context.Context) {
	w.mu.Lock()
	bundle := w.current
	w.mu.Unlock()

	lastFrame := bundle.Capture.LastFrameAt()
	stalled := lastFrame.IsZero() || time.Since(lastFrame) > w.cfg.StallTimeout

	health := bundle.Ring.Health()
	w.logger.Info("watchdog: tick", "ring_status", health.Status, "ring_fill_pct", health.UtilizationPct, "evictions", health.Evictions)

	threshold := w.cfg.ExcessiveEvictionsX
	if threshold == 0 {
		threshold = 50
	}
	if uint64(health.Max) > 0 && health.Evictions > threshold*uint64(health.Max) {
		w.logger.Warn("watchdog: excessive ring churn, buffer may be undersized", "evictions", health.Evictions, "max_chunks", health.Max)
	}

	if !stalled {
		w.consecutiveTimeouts = 0
		return
	}

	w.consecutiveTimeouts++
	w.logger.Warn("watchdog: capture stall detected", "last_frame_at", lastFrame, "consecutive_timeouts", w.consecutiveTimeouts)

	if w.consecutiveTimeouts >= 10 {
		w.logger.Error("watchdog: 10 consecutive stalls without a recovered frame")
		w.consecutiveTimeouts = 0
	}

	if !w.lastRecovery.IsZero() && time.Since(w.lastRecovery) < w.cfg.RestartSuppress {
		w.logger.Info("watchdog: recovery suppressed, within restart window")
		return
	}

	w.recover(ctx)
}

// recover performs the full pause-drop-rebuild-rebind-resume sequence.
func (w *Watchdog) recover(ctx context.Context) {
	w.logger.Warn("watchdog: starting full recovery")

	// Pause F before E so neither starts new work. Pause does not wait for
	// a save already in flight: the old bundle is stopped right away, and
	// that save finishes against the old ring it holds (its refill wait
	// times out, since the old encoder no longer feeds that ring).
	w.processor.Pause()
	w.detector.Pause()

	w.mu.Lock()
	old := w.current
	w.mu.Unlock()
	old.Stop()
	_ = old.Driver.Close()

	newBundle, err := w.builder(ctx)
	if err != nil {
		w.logger.Error("watchdog: recovery failed to construct a new buffer", "error", err)
		// Leave workers paused; the next tick will retry since last_frame_at
		// on the (now-dead) old bundle stays stale.
		return
	}

	w.processor.RebindRing(newBundle.Ring)
	w.processor.RebindDriver(newBundle.Driver)
	w.detector.RebindDriver(newBundle.Driver)
	if w.server != nil {
		w.server.RebindCapture(newBundle.Capture)
	}

	w.mu.Lock()
	w.current = newBundle
	w.lastRecovery = time.Now()
	w.mu.Unlock()

	w.processor.Resume()
	w.detector.Resume()

	w.logger.Info("watchdog: recovery complete")
}
