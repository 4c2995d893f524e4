// Package capture implements the capture worker (C): a periodic loop that
// pulls a full-resolution frame from the camera and pushes it into the
// frame pair cache, sleeping on an interval that must react to change
// within 100ms so the MJPEG server's mode transitions feel instant.
package capture

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kklasmeier/security-camera-go/internal/camera"
	"github.com/kklasmeier/security-camera-go/internal/framecache"
)

const sleepTick = 50 * time.Millisecond

// Worker is the capture loop.
type Worker struct {
	logger *slog.Logger
	driver camera.Driver
	cache  *framecache.Cache

	intervalNs  atomic.Int64
	lastFrameAt atomic.Int64 // unix nanos
}

// New builds a worker with the given starting interval.
func New(logger *slog.Logger, driver camera.Driver, cache *framecache.Cache, interval time.Duration) *Worker {
	w := &Worker{logger: logger, driver: driver, cache: cache}
	w.intervalNs.Store(int64(interval))
	return w
}

// SetInterval changes the capture cadence. The MJPEG server calls this when
// entering/leaving stream mode; the running loop picks it up within one
// sleep tick.
func (w *Worker) SetInterval(interval time.Duration) { w.intervalNs.Store(int64(interval)) }

// Interval reports the current capture cadence.
func (w *Worker) Interval() time.Duration { return time.Duration(w.intervalNs.Load()) }

// LastFrameAt reports when a frame was last successfully captured — the
// watchdog's primary liveness signal. Returns the zero Time before the
// first successful capture.
func (w *Worker) LastFrameAt() time.Time {
	ns := w.lastFrameAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// RebindCache swaps in a new frame cache after a watchdog recovery.
func (w *Worker) RebindCache(cache *framecache.Cache) { w.cache = cache }

// RebindDriver swaps in a new camera driver after a watchdog recovery
// replaces the camera/encoder handle.
func (w *Worker) RebindDriver(driver camera.Driver) { w.driver = driver }

// Run loops until ctx is canceled: capture, push, sleep in bounded ticks
// so an interval change lands almost immediately.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		frame, err := w.driver.CaptureStill(ctx)
		if err != nil {
			w.logger.Warn("capture: failed to read frame", "error", err)
		} else {
			w.cache.Push(frame)
			w.lastFrameAt.Store(time.Now().UnixNano())
		}

		if !w.sleepInterruptible(ctx) {
			return
		}
	}
}

// sleepInterruptible sleeps for the current interval in sleepTick-sized
// chunks, re-reading the interval on every tick so a change lands within one
// tick instead of waiting out a sleep that was already in flight. Returns
// false if ctx was canceled mid-sleep.
func (w *Worker) sleepInterruptible(ctx context.Context) bool {
	var elapsed time.Duration
	for elapsed < w.Interval() {
		step := sleepTick
		if remaining := w.Interval() - elapsed; step > remaining {
			step = remaining
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(step):
		}
		elapsed += step
	}
	return true
}
