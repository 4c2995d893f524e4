package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Video: Video{
			Width: 1920, Height: 1080,
			CircularMaxChunks: 1000,
			CircularMaxBytes:  1 << 20,
		},
		Capture: Capture{
			DetectionWidth:  100,
			DetectionHeight: 75,
		},
		Motion: Motion{
			CooldownSeconds: 90 * time.Second,
		},
		Timing: Timing{
			PictureBDelay:            4 * time.Second,
			PostMotionTimeoutSeconds: 60 * time.Second,
			PostMotionFillPercent:    0.95,
		},
		Camera: Camera{
			SnapshotURL: "http://camera.local/snapshot",
			StreamURL:   "http://camera.local/stream",
		},
	}
}

func TestValidateAcceptsSaneDefaults(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidateRejectsShortCooldown(t *testing.T) {
	cfg := validConfig()
	// 64s is below PictureBDelay(4s)+timeout(60s)+margin(5s) = 69s.
	cfg.Motion.CooldownSeconds = 64 * time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected cooldown below processor latency to be rejected")
	}
}

func TestValidateRejectsTinyRing(t *testing.T) {
	cfg := validConfig()
	cfg.Video.CircularMaxChunks = 2
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected undersized ring to be rejected")
	}
}

func TestValidateRejectsBadFillPercent(t *testing.T) {
	cfg := validConfig()
	cfg.Timing.PostMotionFillPercent = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected out-of-range fill percent to be rejected")
	}
}

func TestValidateRequiresCameraURLs(t *testing.T) {
	cfg := validConfig()
	cfg.Camera.SnapshotURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing snapshot URL to be rejected")
	}
}
