// Package mjpeg implements the MJPEG server (G): a polling state machine
// watching an external streaming flag, and the HTTP handler that serves
// /stream.mjpg from the frame pair cache while that flag is on.
package mjpeg

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kklasmeier/security-camera-go/internal/framecache"
	"github.com/kklasmeier/security-camera-go/internal/imaging"
)

// FlagStore is the external collaborator the monitor polls and writes back
// to on auto-shutdown.
type FlagStore interface {
	GetStreamingFlag(ctx context.Context) (bool, error)
	SetStreamingFlag(ctx context.Context, on bool) error
}

// IntervalSetter is satisfied by the capture worker: the server raises the
// capture cadence while streaming and restores it on exit.
type IntervalSetter interface {
	SetInterval(interval time.Duration)
}

// Pauser is satisfied by the motion detector: it pauses for the duration of
// a stream session so picture-capture bandwidth goes entirely to stream
// frames.
type Pauser interface {
	Pause()
	Resume()
}

// Config bundles the server's tunables.
type Config struct {
	Port               int
	Framerate          int
	JPEGQuality        int
	PollInterval       time.Duration
	LivestreamInterval time.Duration
	NormalInterval     time.Duration
	HardTimeout        time.Duration
	AutoStopGrace      time.Duration
}

// Server is the MJPEG server (G).
type Server struct {
	logger *slog.Logger

	flags    FlagStore
	capture  IntervalSetter
	detector Pauser
	cfg      Config

	mu            sync.Mutex
	cache         *framecache.Cache
	shutdownTimer *time.Timer

	clients     atomic.Int64
	httpServer  *http.Server
	sessionDone chan struct{}
}

// New builds a server.
func New(logger *slog.Logger, flags FlagStore, capture IntervalSetter, detector Pauser, cache *framecache.Cache, cfg Config) *Server {
	return &Server{logger: logger, flags: flags, capture: capture, detector: detector, cache: cache, cfg: cfg}
}

// RebindCapture swaps in a new capture worker after a watchdog recovery
// replaces A. Without this, a recovery mid-stream would leave the server
// changing the interval on a stopped worker.
func (s *Server) RebindCapture(capture IntervalSetter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capture = capture
}

func (s *Server) captureSetter() IntervalSetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capture
}

// RebindCache swaps in a new frame cache after a watchdog recovery.
func (s *Server) RebindCache(cache *framecache.Cache) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = cache
}

func (s *Server) currentCache() *framecache.Cache {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache
}

// Run polls the streaming flag at cfg.PollInterval until ctx is canceled,
// starting and stopping the HTTP server on off→on / on→off transitions.
func (s *Server) Run(ctx context.Context) {
	poll := s.cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	on := false
	for {
		select {
		case <-ctx.Done():
			if on {
				s.stopSession()
			}
			return
		case <-ticker.C:
		}

		flag, err := s.flags.GetStreamingFlag(ctx)
		if err != nil {
			s.logger.Warn("mjpeg: failed to poll streaming flag", "error", err)
			continue
		}

		switch {
		case flag && !on:
			on = true
			s.startSession(ctx)
		case !flag && on:
			on = false
			s.stopSession()
		}
	}
}

func (s *Server) startSession(ctx context.Context) {
	s.logger.Info("mjpeg: stream session starting")
	s.captureSetter().SetInterval(s.cfg.LivestreamInterval)
	s.detector.Pause()
	s.clients.Store(0)
	s.sessionDone = make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/stream.mjpg", s.handleStream)
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: mux,
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.logger.Error("mjpeg: failed to bind stream port", "addr", s.httpServer.Addr, "error", err)
		s.endSession(ctx)
		return
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Warn("mjpeg: http server exited", "error", err)
		}
	}()

	go s.superviseSession(ctx)
}

// superviseSession enforces only the 15-minute hard timeout. The
// zero-clients auto-stop is event-driven (see clientDisconnected), not
// polled here.
func (s *Server) superviseSession(ctx context.Context) {
	hardDeadline := time.NewTimer(s.cfg.HardTimeout)
	defer hardDeadline.Stop()

	select {
	case <-ctx.Done():
	case <-s.sessionDone:
	case <-hardDeadline.C:
		s.logger.Info("mjpeg: stream session hit hard timeout")
		if err := s.flags.SetStreamingFlag(ctx, false); err != nil {
			s.logger.Warn("mjpeg: failed to clear streaming flag", "error", err)
		}
	}
}

// clientConnected counts a new stream client and cancels any pending
// idle-shutdown timer armed by a prior disconnect.
func (s *Server) clientConnected() {
	s.clients.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdownTimer != nil {
		s.shutdownTimer.Stop()
		s.shutdownTimer = nil
	}
}

// clientDisconnected counts a stream client leaving and, the instant the
// count reaches zero, arms a one-shot timer that resets the streaming flag
// if the count is still zero when it fires — mirroring the original's
// threading.Timer-on-disconnect rather than polling for an idle period.
func (s *Server) clientDisconnected(ctx context.Context) {
	if s.clients.Add(-1) > 0 {
		return
	}

	grace := s.cfg.AutoStopGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdownTimer != nil {
		s.shutdownTimer.Stop()
	}
	s.shutdownTimer = time.AfterFunc(grace, func() { s.checkAndStopStreaming(ctx) })
}

// checkAndStopStreaming re-checks the client count when the idle timer
// fires; a reconnect that raced the timer leaves it a no-op.
func (s *Server) checkAndStopStreaming(ctx context.Context) {
	if s.clients.Load() != 0 {
		return
	}
	s.logger.Info("mjpeg: auto-stopping idle stream session")
	if err := s.flags.SetStreamingFlag(ctx, false); err != nil {
		s.logger.Warn("mjpeg: failed to clear streaming flag", "error", err)
	}
}

func (s *Server) stopSession() {
	s.endSession(context.Background())
}

func (s *Server) endSession(_ context.Context) {
	if s.sessionDone != nil {
		close(s.sessionDone)
		s.sessionDone = nil
	}
	if s.httpServer != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutCtx)
		s.httpServer = nil
	}

	s.mu.Lock()
	if s.shutdownTimer != nil {
		s.shutdownTimer.Stop()
		s.shutdownTimer = nil
	}
	s.mu.Unlock()

	s.captureSetter().SetInterval(s.cfg.NormalInterval)
	s.detector.Resume()
	s.logger.Info("mjpeg: stream session ended")
}

const boundary = "FRAME"

// handleStream serves one multipart/x-mixed-replace connection, pulling the
// latest frame from the cache at the configured stream framerate. A write
// failure is treated as a client disconnect: the handler returns cleanly.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/stream.mjpg" {
		http.NotFound(w, r)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	s.clientConnected()
	defer s.clientDisconnected(context.Background())

	w.Header().Set("Content-Type", fmt.Sprintf("multipart/x-mixed-replace; boundary=%s", boundary))
	w.Header().Set("Cache-Control", "no-cache, private")
	w.WriteHeader(http.StatusOK)

	framerate := s.cfg.Framerate
	if framerate <= 0 {
		framerate = 10
	}
	ticker := time.NewTicker(time.Second / time.Duration(framerate))
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, ok := s.currentCache().CurrentForStream()
		if !ok {
			continue
		}
		jpegBytes, err := imaging.EncodeJPEG(frame.Image, s.cfg.JPEGQuality)
		if err != nil {
			s.logger.Warn("mjpeg: failed to encode stream frame", "error", err)
			continue
		}

		if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(jpegBytes)); err != nil {
			return
		}
		if _, err := w.Write(jpegBytes); err != nil {
			return
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return
		}
		flusher.Flush()
	}
}
