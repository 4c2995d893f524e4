// Package applog builds the daemon's structured logger: a colorized console
// handler for interactive use, fanned out to a batched sink that persists
// log lines to the event store, batching every few seconds rather than
// hitting disk on every line.
package applog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	slogmulti "github.com/samber/slog-multi"
)

// Entry is one queued log line, matching the `logs` table shape.
type Entry struct {
	Timestamp time.Time
	Level     string
	Message   string
}

// Sink persists a batch of log entries. internal/store implements this
// against the `logs` table; tests can fake it.
type Sink interface {
	AddLogBatch(ctx context.Context, entries []Entry) error
}

// New builds the logger. flushInterval matches config Timing.LogBatchInterval.
// sink may be nil, in which case only console logging happens (useful for
// tests and for early startup before the store is open).
func New(sink Sink, flushInterval time.Duration) (*slog.Logger, func()) {
	consoleHandler := tint.NewHandler(colorableStdout(), &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.Kitchen,
	})

	if sink == nil {
		return slog.New(consoleHandler), func() {}
	}

	batcher := newBatchHandler(sink, flushInterval)
	logger := slog.New(slogmulti.Fanout(consoleHandler, batcher))
	return logger, batcher.stop
}

func colorableStdout() io.Writer {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		return colorable.NewColorableStdout()
	}
	return os.Stdout
}

// batchHandler is a minimal slog.Handler that queues records in memory and
// flushes them to a Sink on a timer, never blocking the logging caller.
type batchHandler struct {
	sink     Sink
	mu       sync.Mutex
	pending  []Entry
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

func newBatchHandler(sink Sink, flushInterval time.Duration) *batchHandler {
	h := &batchHandler{
		sink:   sink,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go h.run(flushInterval)
	return h
}

func (h *batchHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *batchHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	h.pending = append(h.pending, Entry{
		Timestamp: r.Time,
		Level:     levelName(r.Level),
		Message:   r.Message,
	})
	h.mu.Unlock()
	return nil
}

func (h *batchHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *batchHandler) WithGroup(_ string) slog.Handler      { return h }

func (h *batchHandler) run(flushInterval time.Duration) {
	defer close(h.doneCh)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			h.flush()
			return
		case <-ticker.C:
			h.flush()
		}
	}
}

func (h *batchHandler) flush() {
	h.mu.Lock()
	batch := h.pending
	h.pending = nil
	h.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	// A sink failure must never fail the caller: log and continue.
	if err := h.sink.AddLogBatch(context.Background(), batch); err != nil {
		os.Stderr.WriteString("applog: failed to flush log batch: " + err.Error() + "\n")
	}
}

func (h *batchHandler) stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		<-h.doneCh
	})
}

// levelName maps slog's level to the stored schema's INFO/WARNING/ERROR.
func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARNING"
	default:
		return "INFO"
	}
}
