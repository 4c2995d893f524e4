package motion

import (
	"context"
	"image"
	"image/color"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kklasmeier/security-camera-go/internal/camera"
	"github.com/kklasmeier/security-camera-go/internal/framecache"
	"github.com/kklasmeier/security-camera-go/internal/motionsignal"
)

type fakeDriver struct {
	stillsCaptured atomic.Int64
	jpeg           []byte
}

func (f *fakeDriver) CaptureStill(ctx context.Context) (camera.Frame, error) {
	f.stillsCaptured.Add(1)
	return camera.Frame{Image: image.NewRGBA(image.Rect(0, 0, 2, 2)), JPEGBytes: f.jpeg, CapturedAt: time.Now()}, nil
}
func (f *fakeDriver) Close() error { return nil }

type fakeStore struct {
	mu     sync.Mutex
	nextID int64
	added  []string
}

func (s *fakeStore) AddEvent(ctx context.Context, ts time.Time, motionScore int, imageAPath string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.added = append(s.added, imageAPath)
	return s.nextID, nil
}

func solid(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func minimalJPEG(t *testing.T) []byte {
	t.Helper()
	return []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0, 0, 0, 0, 0, 0xFF, 0xD9}
}

func newTestDetector(t *testing.T, cache *framecache.Cache, signal *motionsignal.Mailbox, st *fakeStore, cfg Config) (*Detector, *fakeDriver) {
	t.Helper()
	dir := t.TempDir()
	driver := &fakeDriver{jpeg: minimalJPEG(t)}
	cfg.TickInterval = 5 * time.Millisecond
	d := New(slog.New(slog.DiscardHandler), driver, cache, signal, st, dir, cfg)
	return d, driver
}

func defaultTestConfig() Config {
	return Config{
		DetectionWidth:    8,
		DetectionHeight:   8,
		ThresholdPerPixel: 30,
		SensitivityPx:     2,
		Cooldown:          time.Hour,
		JPEGQuality:       80,
	}
}

func TestTickDoesNothingWithoutTwoFrames(t *testing.T) {
	cache := framecache.New()
	signal := motionsignal.New(nil)
	st := &fakeStore{}
	d, driver := newTestDetector(t, cache, signal, st, defaultTestConfig())

	d.tick(context.Background())
	if driver.stillsCaptured.Load() != 0 {
		t.Fatal("expected no still capture before a detection pair exists")
	}
}

func TestTickTriggersOnLargeGreenDiff(t *testing.T) {
	cache := framecache.New()
	cache.Push(camera.Frame{Image: solid(8, 8, color.RGBA{G: 0, A: 255})})
	cache.Push(camera.Frame{Image: solid(8, 8, color.RGBA{G: 255, A: 255})})

	signal := motionsignal.New(nil)
	st := &fakeStore{}
	d, driver := newTestDetector(t, cache, signal, st, defaultTestConfig())

	d.tick(context.Background())

	if driver.stillsCaptured.Load() != 1 {
		t.Fatalf("expected exactly one still capture on motion, got %d", driver.stillsCaptured.Load())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sig, ok := signal.WaitAndConsume(ctx)
	if !ok {
		t.Fatal("expected a motion signal to be set")
	}
	if sig.EventID != 1 {
		t.Fatalf("expected event id 1, got %d", sig.EventID)
	}

	if _, err := os.Stat(filepath.Join(t.TempDir())); err != nil {
		// directory existence not asserted further; file write path is
		// exercised via driver.jpeg being non-empty.
	}
}

func TestTickSkipsBelowSensitivityThreshold(t *testing.T) {
	cache := framecache.New()
	cache.Push(camera.Frame{Image: solid(8, 8, color.RGBA{G: 100, A: 255})})
	cache.Push(camera.Frame{Image: solid(8, 8, color.RGBA{G: 105, A: 255})}) // diff 5 < threshold 30

	signal := motionsignal.New(nil)
	st := &fakeStore{}
	d, driver := newTestDetector(t, cache, signal, st, defaultTestConfig())

	d.tick(context.Background())
	if driver.stillsCaptured.Load() != 0 {
		t.Fatal("expected no capture when diff is below threshold/sensitivity")
	}
}

func TestTickRespectsCooldown(t *testing.T) {
	cache := framecache.New()
	cache.Push(camera.Frame{Image: solid(8, 8, color.RGBA{G: 0, A: 255})})
	cache.Push(camera.Frame{Image: solid(8, 8, color.RGBA{G: 255, A: 255})})

	signal := motionsignal.New(nil)
	st := &fakeStore{}
	cfg := defaultTestConfig()
	cfg.Cooldown = time.Hour
	d, driver := newTestDetector(t, cache, signal, st, cfg)

	d.tick(context.Background())
	if driver.stillsCaptured.Load() != 1 {
		t.Fatalf("expected first tick to trigger, got %d captures", driver.stillsCaptured.Load())
	}

	// Push fresh motion again immediately; cooldown should suppress it.
	cache.Push(camera.Frame{Image: solid(8, 8, color.RGBA{G: 0, A: 255})})
	d.tick(context.Background())
	if driver.stillsCaptured.Load() != 1 {
		t.Fatalf("expected cooldown to suppress second trigger, got %d captures", driver.stillsCaptured.Load())
	}
}

func TestPauseSuppressesDetection(t *testing.T) {
	cache := framecache.New()
	cache.Push(camera.Frame{Image: solid(8, 8, color.RGBA{G: 0, A: 255})})
	cache.Push(camera.Frame{Image: solid(8, 8, color.RGBA{G: 255, A: 255})})

	signal := motionsignal.New(nil)
	st := &fakeStore{}
	d, driver := newTestDetector(t, cache, signal, st, defaultTestConfig())
	d.Pause()

	d.tick(context.Background())
	if driver.stillsCaptured.Load() != 0 {
		t.Fatal("expected paused detector not to trigger")
	}

	d.Resume()
	d.tick(context.Background())
	if driver.stillsCaptured.Load() != 1 {
		t.Fatal("expected detector to trigger after resume")
	}
}
