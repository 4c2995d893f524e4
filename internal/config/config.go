// Package config loads and validates security-camera-go's configuration.
//
// Values are loaded from the environment (with a .env file overlay for local
// development) rather than a config file, the same approach the project was
// bootstrapped from. Config parsing itself is an external concern — the
// daemon only needs a validated struct — but the cooldown/buffer invariants
// in Validate are load-bearing for the rest of the pipeline.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v9"
)

// Config is the full set of tunables recognized by the daemon, grouped the
// way the daemon's own config surface groups them.
type Config struct {
	Paths     Paths
	Video     Video
	Capture   Capture
	Motion    Motion
	Streaming Streaming
	Timing    Timing
	Camera    Camera
}

// Paths holds the single base directory and its derived subdirectories.
type Paths struct {
	BaseDir     string `env:"SECCAM_BASE_DIR" envDefault:"./data"`
	PicturesDir string `env:"SECCAM_PICTURES_DIR" envDefault:"pictures"`
	ThumbsDir   string `env:"SECCAM_THUMBS_DIR" envDefault:"thumbs"`
	VideosDir   string `env:"SECCAM_VIDEOS_DIR" envDefault:"videos"`
	TmpDir      string `env:"SECCAM_TMP_DIR" envDefault:"tmp"`
	DatabasePath string `env:"SECCAM_DB_PATH" envDefault:"./data/seccam.db"`
}

// Video controls the circular chunk ring and the encoder it backs.
type Video struct {
	Width                int   `env:"SECCAM_VIDEO_WIDTH" envDefault:"1920"`
	Height               int   `env:"SECCAM_VIDEO_HEIGHT" envDefault:"1080"`
	Framerate            int   `env:"SECCAM_VIDEO_FPS" envDefault:"15"`
	BitrateBps           int   `env:"SECCAM_VIDEO_BITRATE" envDefault:"4000000"`
	CircularMaxChunks    int   `env:"SECCAM_RING_MAX_CHUNKS" envDefault:"1000"`
	CircularMaxBytes     int64 `env:"SECCAM_RING_MAX_BYTES" envDefault:"26214400"`
	TargetSeconds        int   `env:"SECCAM_TARGET_SECONDS" envDefault:"20"`
}

// KeyframeInterval is target_seconds × framerate.
func (v Video) KeyframeInterval() int { return v.TargetSeconds * v.Framerate }

// Capture controls the picture capture cadence and still/detection sizing.
type Capture struct {
	PictureInterval     time.Duration `env:"SECCAM_PICTURE_INTERVAL" envDefault:"500ms"`
	LivestreamInterval  time.Duration `env:"SECCAM_LIVESTREAM_INTERVAL" envDefault:"100ms"`
	JPEGQuality         int           `env:"SECCAM_JPEG_QUALITY" envDefault:"90"`
	ThumbnailWidth      int           `env:"SECCAM_THUMBNAIL_WIDTH" envDefault:"320"`
	ThumbnailHeight     int           `env:"SECCAM_THUMBNAIL_HEIGHT" envDefault:"240"`
	DetectionWidth      int           `env:"SECCAM_DETECTION_WIDTH" envDefault:"100"`
	DetectionHeight     int           `env:"SECCAM_DETECTION_HEIGHT" envDefault:"75"`
}

// Motion controls the pixel-diff detector and its cooldown.
type Motion struct {
	ThresholdPerPixel uint8         `env:"SECCAM_MOTION_THRESHOLD" envDefault:"60"`
	SensitivityPx     int           `env:"SECCAM_MOTION_SENSITIVITY" envDefault:"50"`
	CooldownSeconds   time.Duration `env:"SECCAM_MOTION_COOLDOWN" envDefault:"65s"`
}

// Streaming controls the MJPEG HTTP server.
type Streaming struct {
	Port          int `env:"SECCAM_STREAM_PORT" envDefault:"8080"`
	Framerate     int `env:"SECCAM_STREAM_FPS" envDefault:"10"`
	JPEGQuality   int `env:"SECCAM_STREAM_JPEG_QUALITY" envDefault:"80"`
}

// Timing controls the event-processor delay and the save protocol.
type Timing struct {
	PictureBDelay             time.Duration `env:"SECCAM_PICTURE_B_DELAY" envDefault:"4s"`
	PostMotionFillPercent     float64       `env:"SECCAM_POST_MOTION_FILL_PERCENT" envDefault:"0.95"`
	PostMotionTimeoutSeconds  time.Duration `env:"SECCAM_POST_MOTION_TIMEOUT" envDefault:"60s"`
	CameraWarmup              time.Duration `env:"SECCAM_CAMERA_WARMUP" envDefault:"2s"`
	ShutdownTimeout           time.Duration `env:"SECCAM_SHUTDOWN_TIMEOUT" envDefault:"5s"`
	LogBatchInterval          time.Duration `env:"SECCAM_LOG_BATCH_INTERVAL" envDefault:"5s"`
	WatchdogInterval          time.Duration `env:"SECCAM_WATCHDOG_INTERVAL" envDefault:"5s"`
	WatchdogFrameStallTimeout time.Duration `env:"SECCAM_WATCHDOG_STALL_TIMEOUT" envDefault:"10s"`
	WatchdogRestartSuppress   time.Duration `env:"SECCAM_WATCHDOG_RESTART_SUPPRESS" envDefault:"60s"`
	StreamHardTimeout         time.Duration `env:"SECCAM_STREAM_HARD_TIMEOUT" envDefault:"15m"`
	StreamAutoStopGrace       time.Duration `env:"SECCAM_STREAM_AUTOSTOP_GRACE" envDefault:"5s"`
}

// Camera identifies the HTTP endpoints the camera/encoder driver talks to.
type Camera struct {
	SnapshotURL string `env:"SECCAM_CAMERA_SNAPSHOT_URL"`
	StreamURL   string `env:"SECCAM_CAMERA_STREAM_URL"`
	AuthToken   string `env:"SECCAM_CAMERA_TOKEN"`
	Cookie      string `env:"SECCAM_CAMERA_COOKIE"`
}

// Load reads Config from the environment, applying defaults for anything
// unset.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}

// Validate enforces the invariants that make a config usable: cooldown must
// exceed worst-case processor latency, the ring must be large enough to be
// useful, and resolutions must be sane.
func (c *Config) Validate() error {
	// Worst-case processor latency: picture B delay, plus a generous bound
	// for still capture + thumbnail + video save. The save protocol's
	// default timeout (60s) dominates; cooldown must clear it with margin.
	worstCaseProcessorLatency := c.Timing.PictureBDelay + c.Timing.PostMotionTimeoutSeconds
	safetyMargin := 5 * time.Second
	if c.Motion.CooldownSeconds <= worstCaseProcessorLatency+safetyMargin {
		return fmt.Errorf(
			"config: motion cooldown (%s) must exceed worst-case processor latency (%s) + safety margin (%s)",
			c.Motion.CooldownSeconds, worstCaseProcessorLatency, safetyMargin,
		)
	}

	if c.Video.CircularMaxChunks < 10 {
		return fmt.Errorf("config: circular_buffer_max_chunks (%d) is too small to hold a usable clip", c.Video.CircularMaxChunks)
	}
	if c.Video.CircularMaxBytes <= 0 {
		return fmt.Errorf("config: circular_buffer_max_bytes must be positive")
	}
	if c.Video.Width <= 0 || c.Video.Height <= 0 {
		return fmt.Errorf("config: video resolution %dx%d is invalid", c.Video.Width, c.Video.Height)
	}
	if c.Capture.DetectionWidth <= 0 || c.Capture.DetectionHeight <= 0 {
		return fmt.Errorf("config: detection resolution %dx%d is invalid", c.Capture.DetectionWidth, c.Capture.DetectionHeight)
	}
	if c.Timing.PostMotionFillPercent <= 0 || c.Timing.PostMotionFillPercent > 1 {
		return fmt.Errorf("config: post_motion_buffer_fill_percent (%f) must be in (0,1]", c.Timing.PostMotionFillPercent)
	}
	if c.Camera.SnapshotURL == "" {
		return fmt.Errorf("config: camera snapshot URL is required")
	}
	if c.Camera.StreamURL == "" {
		return fmt.Errorf("config: camera stream URL is required")
	}

	return nil
}
