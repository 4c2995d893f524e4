package capture

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kklasmeier/security-camera-go/internal/camera"
	"github.com/kklasmeier/security-camera-go/internal/framecache"
)

type fakeDriver struct {
	fail  atomic.Bool
	count atomic.Int64
}

func (f *fakeDriver) CaptureStill(ctx context.Context) (camera.Frame, error) {
	f.count.Add(1)
	if f.fail.Load() {
		return camera.Frame{}, errors.New("camera offline")
	}
	return camera.Frame{Image: image.NewRGBA(image.Rect(0, 0, 2, 2)), CapturedAt: time.Now()}, nil
}
func (f *fakeDriver) Close() error { return nil }

func TestWorkerPushesFramesAndStampsLastFrameAt(t *testing.T) {
	driver := &fakeDriver{}
	cache := framecache.New()
	w := New(slog.New(slog.DiscardHandler), driver, cache, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if driver.count.Load() < 3 {
		t.Fatalf("expected several captures over 120ms at a 10ms interval, got %d", driver.count.Load())
	}
	if w.LastFrameAt().IsZero() {
		t.Fatal("expected LastFrameAt to be stamped")
	}
	if _, ok := cache.CurrentForStream(); !ok {
		t.Fatal("expected a frame to have been pushed into the cache")
	}
}

func TestWorkerSurvivesCaptureFailures(t *testing.T) {
	driver := &fakeDriver{}
	driver.fail.Store(true)
	cache := framecache.New()
	w := New(slog.New(slog.DiscardHandler), driver, cache, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if _, ok := cache.CurrentForStream(); ok {
		t.Fatal("expected no frame pushed while the camera is failing")
	}
	if driver.count.Load() == 0 {
		t.Fatal("expected the worker to keep retrying despite failures")
	}
}

func TestSetIntervalTakesEffectWithinOneTick(t *testing.T) {
	driver := &fakeDriver{}
	cache := framecache.New()
	w := New(slog.New(slog.DiscardHandler), driver, cache, time.Hour) // long interval

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(10 * time.Millisecond)
	w.SetInterval(5 * time.Millisecond) // should shrink the in-flight sleep

	time.Sleep(100 * time.Millisecond)
	cancel()

	if driver.count.Load() < 2 {
		t.Fatalf("expected interval change to be picked up quickly, got %d captures", driver.count.Load())
	}
}
