package watchdog

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kklasmeier/security-camera-go/internal/camera"
	"github.com/kklasmeier/security-camera-go/internal/capture"
	"github.com/kklasmeier/security-camera-go/internal/chunkring"
	"github.com/kklasmeier/security-camera-go/internal/framecache"
)

type fakeCameraDriver struct {
	closed atomic.Bool
}

func (d *fakeCameraDriver) CaptureStill(ctx context.Context) (camera.Frame, error) {
	return camera.Frame{Image: image.NewRGBA(image.Rect(0, 0, 2, 2)), CapturedAt: time.Now()}, nil
}
func (d *fakeCameraDriver) Close() error { d.closed.Store(true); return nil }

type fakeDetector struct {
	paused         atomic.Bool
	reboundDrivers atomic.Int64
}

func (f *fakeDetector) Pause()                             { f.paused.Store(true) }
func (f *fakeDetector) Resume()                            { f.paused.Store(false) }
func (f *fakeDetector) RebindDriver(d camera.Driver)        { f.reboundDrivers.Add(1) }

type fakeProcessor struct {
	paused        atomic.Bool
	reboundRings  atomic.Int64
	reboundDriver atomic.Int64
}

func (f *fakeProcessor) Pause()                      { f.paused.Store(true) }
func (f *fakeProcessor) Resume()                     { f.paused.Store(false) }
func (f *fakeProcessor) RebindRing(r *chunkring.Ring) { f.reboundRings.Add(1) }
func (f *fakeProcessor) RebindDriver(d camera.Driver) { f.reboundDriver.Add(1) }

func newStaleBundle() *Bundle {
	ring := chunkring.New(10, 1<<20)
	driver := &fakeCameraDriver{}
	w := capture.New(slog.New(slog.DiscardHandler), driver, framecache.New(), time.Hour)
	return &Bundle{Ring: ring, Driver: driver, Capture: w, Stop: func() {}}
}

func testCfg() Config {
	return Config{
		TickInterval:        10 * time.Millisecond,
		StallTimeout:        20 * time.Millisecond,
		RestartSuppress:     time.Hour,
		ExcessiveEvictionsX: 50,
	}
}

func TestRecoverRebindsProcessorAndDetector(t *testing.T) {
	initial := newStaleBundle()
	built := newStaleBundle()
	var buildCalls atomic.Int64

	builder := func(ctx context.Context) (*Bundle, error) {
		buildCalls.Add(1)
		return built, nil
	}

	detector := &fakeDetector{}
	processor := &fakeProcessor{}

	wd := New(slog.New(slog.DiscardHandler), builder, initial, detector, processor, testCfg())
	wd.recover(context.Background())

	if buildCalls.Load() != 1 {
		t.Fatalf("expected exactly one build call, got %d", buildCalls.Load())
	}
	if processor.reboundRings.Load() != 1 || processor.reboundDriver.Load() != 1 {
		t.Fatal("expected processor to be rebound to the new ring and driver")
	}
	if detector.reboundDrivers.Load() != 1 {
		t.Fatal("expected detector to be rebound to the new driver")
	}
	if processor.paused.Load() || detector.paused.Load() {
		t.Fatal("expected both workers resumed after recovery completes")
	}
	if wd.current != built {
		t.Fatal("expected the watchdog to track the new bundle as current")
	}
}

func TestTickDetectsStallAndRecovers(t *testing.T) {
	initial := newStaleBundle()
	built := newStaleBundle()
	var buildCalls atomic.Int64
	builder := func(ctx context.Context) (*Bundle, error) {
		buildCalls.Add(1)
		return built, nil
	}

	detector := &fakeDetector{}
	processor := &fakeProcessor{}
	cfg := testCfg()
	wd := New(slog.New(slog.DiscardHandler), builder, initial, detector, processor, cfg)

	wd.tick(context.Background()) // LastFrameAt is zero -> immediately stalled

	if buildCalls.Load() != 1 {
		t.Fatalf("expected tick to trigger one recovery, got %d builds", buildCalls.Load())
	}
}

func TestRestartSuppressionWindowBlocksSecondRecovery(t *testing.T) {
	initial := newStaleBundle()
	var buildCalls atomic.Int64
	builder := func(ctx context.Context) (*Bundle, error) {
		buildCalls.Add(1)
		return newStaleBundle(), nil
	}

	detector := &fakeDetector{}
	processor := &fakeProcessor{}
	cfg := testCfg()
	cfg.RestartSuppress = time.Hour
	wd := New(slog.New(slog.DiscardHandler), builder, initial, detector, processor, cfg)

	wd.tick(context.Background())
	wd.tick(context.Background())

	if buildCalls.Load() != 1 {
		t.Fatalf("expected the second stall to be suppressed, got %d builds", buildCalls.Load())
	}
}

func TestRecoveryFailureLeavesWorkersPaused(t *testing.T) {
	initial := newStaleBundle()
	builder := func(ctx context.Context) (*Bundle, error) {
		return nil, errors.New("camera unreachable")
	}

	detector := &fakeDetector{}
	processor := &fakeProcessor{}
	wd := New(slog.New(slog.DiscardHandler), builder, initial, detector, processor, testCfg())

	wd.recover(context.Background())

	if !processor.paused.Load() || !detector.paused.Load() {
		t.Fatal("expected workers to remain paused after a failed rebuild")
	}
}
