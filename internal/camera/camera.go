// Package camera defines the camera/encoder contract the capture worker,
// motion detector, and event processor all capture stills through, and an
// HTTP-polling implementation of it for cameras that only expose a
// snapshot and MJPEG stream URL rather than a raw sensor API.
package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Frame is a decoded still, full resolution, captured at Timestamp. RGB888
// is the expected source format; image.Image covers that (and the
// grayscale tolerance) via the standard color model conversions callers
// apply on read.
type Frame struct {
	Image     image.Image
	JPEGBytes []byte
	CapturedAt time.Time
}

// Driver is everything the pipeline needs from the camera/encoder. A fresh
// color still (CaptureStill) is distinct from whatever frame source feeds
// the frame pair cache: persistence always uses a fresh
// synchronous capture, never the live preview frame, to avoid losing color
// fidelity to a Y-plane preview.
type Driver interface {
	// CaptureStill issues a synchronous snapshot request and returns the
	// decoded frame.
	CaptureStill(ctx context.Context) (Frame, error)
	Close() error
}

// ChunkSink receives continuous encoder output. chunkring.Ring satisfies
// this without camera needing to import chunkring directly.
type ChunkSink interface {
	AppendBytes(bytes []byte, isKeyframe bool, producedAt time.Time)
}

// HTTPDriver polls a snapshot URL over HTTP, the kind of endpoint a
// phone-camera streaming app exposes.
type HTTPDriver struct {
	rc          *resty.Client
	snapshotURL string
	streamURL   string
	authToken   string
	cookieName  string
	cookieValue string
}

// NewHTTPDriver builds a driver against snapshotURL, authenticating with
// authToken (sent as Authorization) and/or a "name=value" cookie string.
func NewHTTPDriver(snapshotURL, streamURL, authToken, cookie string) *HTTPDriver {
	rc := resty.New().
		SetTimeout(5 * time.Second).
		SetHeader("User-Agent", "security-camera-go/1").
		SetHeader("Accept", "image/jpeg").
		SetRetryCount(2).
		SetRetryWaitTime(50 * time.Millisecond).
		SetDisableWarn(true)

	rc.SetTransport(&http.Transport{
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   3 * time.Second,
		ResponseHeaderTimeout: 3 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	})

	cookieName, cookieValue := parseCookie(cookie)
	return &HTTPDriver{
		rc:          rc,
		snapshotURL: snapshotURL,
		streamURL:   streamURL,
		authToken:   authToken,
		cookieName:  cookieName,
		cookieValue: cookieValue,
	}
}

// CaptureStill fetches one JPEG snapshot and decodes it.
func (d *HTTPDriver) CaptureStill(ctx context.Context) (Frame, error) {
	body, err := d.fetch(ctx, d.snapshotURL)
	if err != nil {
		return Frame{}, fmt.Errorf("camera: fetch snapshot: %w", err)
	}

	img, err := jpeg.Decode(bytes.NewReader(body))
	if err != nil {
		return Frame{}, fmt.Errorf("camera: decode snapshot: %w", err)
	}

	return Frame{Image: img, JPEGBytes: body, CapturedAt: time.Now()}, nil
}

// fetch issues one authenticated GET and validates the response as a JPEG
// body, shared by still capture and the encoder poll loop.
func (d *HTTPDriver) fetch(ctx context.Context, url string) ([]byte, error) {
	req := d.rc.R().SetContext(ctx)
	if d.authToken != "" {
		req.SetHeader("Authorization", d.authToken)
	}
	if d.cookieValue != "" {
		req.SetCookie(&http.Cookie{Name: d.cookieName, Value: d.cookieValue})
	}

	resp, err := req.Get(url)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("status %d", resp.StatusCode())
	}

	body := resp.Body()
	if !IsValidJPEG(body) {
		return nil, fmt.Errorf("response is not a valid JPEG (%d bytes)", len(body))
	}
	return body, nil
}

// StartEncoding polls the stream URL at interval, feeding each fetched frame
// into sink as one chunk. This camera only ever exposes JPEG snapshot/stream
// endpoints — there is no true H.264 GOP here — so keyframe status is
// synthesized every keyframeInterval frames to give the dump-clear-refill-
// dump protocol's keyframe-alignment logic the same cadence a real
// encoder's GOP would produce. Runs until ctx is canceled.
func (d *HTTPDriver) StartEncoding(ctx context.Context, interval time.Duration, keyframeInterval int, sink ChunkSink) error {
	if keyframeInterval <= 0 {
		keyframeInterval = 1
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var n int
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			body, err := d.fetch(ctx, d.streamURL)
			if err != nil {
				continue
			}
			isKeyframe := n%keyframeInterval == 0
			n++
			sink.AppendBytes(body, isKeyframe, time.Now())
		}
	}
}

// Close releases the underlying HTTP transport's idle connections.
func (d *HTTPDriver) Close() error {
	d.rc.GetClient().CloseIdleConnections()
	return nil
}

func parseCookie(s string) (name, value string) {
	if s == "" {
		return "", ""
	}
	if strings.Contains(s, "=") {
		parts := strings.SplitN(s, "=", 2)
		return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	}
	return "session", s
}

// IsValidJPEG does a cheap structural check (SOI/EOI markers plus a size
// floor) before spending a decode on a response body.
func IsValidJPEG(data []byte) bool {
	if len(data) < 10 {
		return false
	}
	if data[0] != 0xFF || data[1] != 0xD8 {
		return false
	}
	if data[len(data)-2] != 0xFF || data[len(data)-1] != 0xD9 {
		return false
	}
	if len(data) < 1000 {
		return false
	}
	return true
}
