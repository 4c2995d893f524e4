package store

import (
	"context"
	"testing"
	"time"

	"github.com/kklasmeier/security-camera-go/internal/applog"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEventLifecycleFillsFieldsProgressively(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	ts := time.Now()
	id, err := s.AddEvent(ctx, ts, 72, "pictures/a.jpg")
	if err != nil {
		t.Fatalf("add event: %v", err)
	}

	ev, err := s.GetEvent(ctx, id)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if ev.ImageAPath != "pictures/a.jpg" || ev.MotionScore != 72 {
		t.Fatalf("unexpected initial event: %+v", ev)
	}
	if ev.ImageBPath != "" || ev.VideoPath != "" {
		t.Fatalf("expected later fields unset initially: %+v", ev)
	}

	if err := s.SavePictureB(ctx, id, "pictures/b.jpg"); err != nil {
		t.Fatalf("save picture b: %v", err)
	}
	if err := s.SaveThumbnail(ctx, id, "thumbs/b.jpg"); err != nil {
		t.Fatalf("save thumbnail: %v", err)
	}
	if err := s.SaveVideo(ctx, id, "videos/clip.h264", 27); err != nil {
		t.Fatalf("save video: %v", err)
	}

	ev, err = s.GetEvent(ctx, id)
	if err != nil {
		t.Fatalf("get event after updates: %v", err)
	}
	if ev.ImageBPath != "pictures/b.jpg" || ev.ThumbnailPath != "thumbs/b.jpg" ||
		ev.VideoPath != "videos/clip.h264" || ev.DurationSeconds != 27 {
		t.Fatalf("event not fully populated: %+v", ev)
	}
	if !ev.UpdatedAt.After(ev.CreatedAt.Add(-time.Second)) {
		t.Fatalf("expected updated_at to be stamped: %+v", ev)
	}
}

func TestStreamingFlagDefaultsToOff(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	on, err := s.GetStreamingFlag(ctx)
	if err != nil {
		t.Fatalf("get streaming flag: %v", err)
	}
	if on {
		t.Fatal("expected streaming flag to default to off")
	}

	if err := s.SetStreamingFlag(ctx, true); err != nil {
		t.Fatalf("set streaming flag: %v", err)
	}
	on, err = s.GetStreamingFlag(ctx)
	if err != nil {
		t.Fatalf("get streaming flag after set: %v", err)
	}
	if !on {
		t.Fatal("expected streaming flag to be on after SetStreamingFlag(true)")
	}
}

func TestAddLogBatchWritesAllEntries(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	entries := []applog.Entry{
		{Timestamp: time.Now(), Level: "INFO", Message: "hello"},
		{Timestamp: time.Now(), Level: "ERROR", Message: "oh no"},
	}
	if err := s.AddLogBatch(ctx, entries); err != nil {
		t.Fatalf("add log batch: %v", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM logs`).Scan(&count); err != nil {
		t.Fatalf("count logs: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 log rows, got %d", count)
	}
}

func TestAddLogBatchEmptyIsNoop(t *testing.T) {
	s := openTestStore(t)
	if err := s.AddLogBatch(context.Background(), nil); err != nil {
		t.Fatalf("expected nil error for empty batch, got %v", err)
	}
}
