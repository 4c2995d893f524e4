// Package orchestrator wires every worker together in the daemon's
// deterministic bring-up and teardown order and supervises their
// goroutines.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kklasmeier/security-camera-go/internal/applog"
	"github.com/kklasmeier/security-camera-go/internal/camera"
	"github.com/kklasmeier/security-camera-go/internal/capture"
	"github.com/kklasmeier/security-camera-go/internal/chunkring"
	"github.com/kklasmeier/security-camera-go/internal/config"
	"github.com/kklasmeier/security-camera-go/internal/eventproc"
	"github.com/kklasmeier/security-camera-go/internal/framecache"
	"github.com/kklasmeier/security-camera-go/internal/mjpeg"
	"github.com/kklasmeier/security-camera-go/internal/motion"
	"github.com/kklasmeier/security-camera-go/internal/motionsignal"
	"github.com/kklasmeier/security-camera-go/internal/pending"
	"github.com/kklasmeier/security-camera-go/internal/store"
	"github.com/kklasmeier/security-camera-go/internal/watchdog"
)

// Orchestrator owns every worker's lifecycle and the deterministic
// bring-up/teardown order between them.
type Orchestrator struct {
	logger    *slog.Logger
	logStop   func()
	cfg       *config.Config
	eventStore *store.SQLite

	signal    *motionsignal.Mailbox
	cache     *framecache.Cache
	detector  *motion.Detector
	processor *eventproc.Processor
	server    *mjpeg.Server
	dog       *watchdog.Watchdog
	watcher   *pending.Watcher
}

// New validates cfg, creates directories, opens the event store, and wires
// every worker in the daemon's deterministic bring-up order. It starts A
// (the capture worker and encoder poll loop, via buildBundle); every other
// worker goroutine is started by Run.
func New(cfg *config.Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	for _, dir := range []string{cfg.Paths.PicturesDir, cfg.Paths.ThumbsDir, cfg.Paths.VideosDir, cfg.Paths.TmpDir} {
		if err := os.MkdirAll(filepath.Join(cfg.Paths.BaseDir, dir), 0o755); err != nil {
			return nil, fmt.Errorf("orchestrator: create directory %s: %w", dir, err)
		}
	}

	eventStore, err := store.Open(cfg.Paths.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open event store: %w", err)
	}

	logger, logStop := applog.New(eventStore, cfg.Timing.LogBatchInterval)

	if err := eventStore.SetStreamingFlag(context.Background(), false); err != nil {
		logger.Warn("orchestrator: failed to reset streaming flag at startup", "error", err)
	}

	signal := motionsignal.New(logger)
	cache := framecache.New()

	bundle, err := buildBundle(context.Background(), logger, cfg, cache)
	if err != nil {
		logStop()
		eventStore.Close()
		return nil, fmt.Errorf("orchestrator: build initial capture bundle: %w", err)
	}

	picturesDir := filepath.Join(cfg.Paths.BaseDir, cfg.Paths.PicturesDir)
	thumbsDir := filepath.Join(cfg.Paths.BaseDir, cfg.Paths.ThumbsDir)
	videosDir := filepath.Join(cfg.Paths.BaseDir, cfg.Paths.VideosDir)

	detector := motion.New(logger, bundle.Driver, cache, signal, eventStore, picturesDir, motion.Config{
		DetectionWidth:    cfg.Capture.DetectionWidth,
		DetectionHeight:   cfg.Capture.DetectionHeight,
		ThresholdPerPixel: cfg.Motion.ThresholdPerPixel,
		SensitivityPx:     cfg.Motion.SensitivityPx,
		Cooldown:          cfg.Motion.CooldownSeconds,
		TickInterval:      cfg.Capture.PictureInterval,
		JPEGQuality:       cfg.Capture.JPEGQuality,
	})

	processor := eventproc.New(logger, bundle.Driver, bundle.Ring, signal, eventStore, eventproc.Config{
		PictureBDelay:        cfg.Timing.PictureBDelay,
		ThumbnailWidth:       cfg.Capture.ThumbnailWidth,
		ThumbnailHeight:      cfg.Capture.ThumbnailHeight,
		ThumbnailJPEGQuality: 75,
		PictureJPEGQuality:   cfg.Capture.JPEGQuality,
		BitrateBps:           cfg.Video.BitrateBps,
		TargetFillPercent:    cfg.Timing.PostMotionFillPercent,
		SaveTimeout:          cfg.Timing.PostMotionTimeoutSeconds,
		PicturesDir:          picturesDir,
		ThumbsDir:            thumbsDir,
		VideosDir:            videosDir,
	})

	server := mjpeg.New(logger, eventStore, bundle.Capture, detector, cache, mjpeg.Config{
		Port:               cfg.Streaming.Port,
		Framerate:          cfg.Streaming.Framerate,
		JPEGQuality:        cfg.Streaming.JPEGQuality,
		PollInterval:       time.Second,
		LivestreamInterval: cfg.Capture.LivestreamInterval,
		NormalInterval:     cfg.Capture.PictureInterval,
		HardTimeout:        cfg.Timing.StreamHardTimeout,
		AutoStopGrace:      cfg.Timing.StreamAutoStopGrace,
	})

	dog := watchdog.New(logger, builderFor(logger, cfg, cache), bundle, detector, processor, watchdog.Config{
		TickInterval:        cfg.Timing.WatchdogInterval,
		StallTimeout:        cfg.Timing.WatchdogFrameStallTimeout,
		RestartSuppress:     cfg.Timing.WatchdogRestartSuppress,
		ExcessiveEvictionsX: 50,
	})
	dog.SetServer(server)

	watcher := pending.New(logger, videosDir)

	return &Orchestrator{
		logger:     logger,
		logStop:    logStop,
		cfg:        cfg,
		eventStore: eventStore,
		signal:     signal,
		cache:      cache,
		detector:   detector,
		processor:  processor,
		server:     server,
		dog:        dog,
		watcher:    watcher,
	}, nil
}

// buildBundle constructs and starts one A instance: camera driver, chunk
// ring, capture worker, and the encoder poll loop feeding the ring.
func buildBundle(ctx context.Context, logger *slog.Logger, cfg *config.Config, cache *framecache.Cache) (*watchdog.Bundle, error) {
	driver := camera.NewHTTPDriver(cfg.Camera.SnapshotURL, cfg.Camera.StreamURL, cfg.Camera.AuthToken, cfg.Camera.Cookie)
	ring := chunkring.New(cfg.Video.CircularMaxChunks, cfg.Video.CircularMaxBytes)
	worker := capture.New(logger, driver, cache, cfg.Capture.PictureInterval)

	bundleCtx, cancel := context.WithCancel(ctx)
	go worker.Run(bundleCtx)
	go func() {
		if err := driver.StartEncoding(bundleCtx, time.Second/time.Duration(cfg.Video.Framerate), cfg.Video.KeyframeInterval(), ring); err != nil {
			logger.Warn("orchestrator: encoder poll loop exited", "error", err)
		}
	}()

	return &watchdog.Bundle{
		Ring:    ring,
		Driver:  driver,
		Capture: worker,
		Stop:    cancel,
	}, nil
}

// builderFor closes over logger/cfg/cache so the watchdog can request a
// fresh bundle without knowing how one is built.
func builderFor(logger *slog.Logger, cfg *config.Config, cache *framecache.Cache) watchdog.Builder {
	return func(ctx context.Context) (*watchdog.Bundle, error) {
		return buildBundle(ctx, logger, cfg, cache)
	}
}

// Run starts every worker and blocks until ctx is canceled or a worker
// reports an unrecoverable error. Start order: F, E, H, G — A is already
// running from New.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { o.processor.Run(gctx); return nil })
	g.Go(func() error { o.detector.Run(gctx); return nil })
	g.Go(func() error { o.dog.Run(gctx); return nil })
	g.Go(func() error { o.server.Run(gctx); return nil })
	g.Go(func() error { o.watcher.Run(gctx); return nil })
	g.Go(func() error { o.runMemoryMonitor(gctx); return nil })

	err := g.Wait()
	o.shutdown()
	return err
}

const (
	memLogInterval      = 50 * time.Second
	memLeakCheckInterval = 30 * time.Second
	memLeakSampleWindow  = 10
	memLeakGrowthMB      = 20.0
)

// runMemoryMonitor logs a periodic heap sample and flags a sustained growth
// trend as a likely leak, the Go analogue of the original's psutil RSS
// sampling loop. Growth is expected while streaming is active, so a trend
// is only flagged when the streaming flag is off.
func (o *Orchestrator) runMemoryMonitor(ctx context.Context) {
	logTicker := time.NewTicker(memLogInterval)
	defer logTicker.Stop()
	leakTicker := time.NewTicker(memLeakCheckInterval)
	defer leakTicker.Stop()

	var samples []float64

	for {
		select {
		case <-ctx.Done():
			return
		case <-logTicker.C:
			o.logger.Info("memory: heap sample", "heap_alloc_mb", heapAllocMB())
		case <-leakTicker.C:
			samples = append(samples, heapAllocMB())
			if len(samples) > memLeakSampleWindow {
				samples = samples[1:]
			}
			if len(samples) < 3 {
				continue
			}

			trend := samples[len(samples)-1] - samples[0]
			streaming, err := o.eventStore.GetStreamingFlag(ctx)
			if err != nil {
				streaming = false
			}
			if trend > memLeakGrowthMB && !streaming {
				o.logger.Error("memory: sustained heap growth detected",
					"growth_mb", trend, "window_s", len(samples)*int(memLeakCheckInterval/time.Second))
				runtime.GC()
			}
		}
	}
}

func heapAllocMB() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.Alloc) / (1024 * 1024)
}

// shutdown tears everything down in the reverse of the bring-up order.
func (o *Orchestrator) shutdown() {
	o.logger.Info("orchestrator: shutting down")
	if bundle := o.dog.Current(); bundle != nil {
		bundle.Stop()
		_ = bundle.Driver.Close()
	}
	o.logStop()
	if err := o.eventStore.Close(); err != nil {
		o.logger.Warn("orchestrator: failed to close event store", "error", err)
	}
}
