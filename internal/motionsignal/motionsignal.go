// Package motionsignal implements the one-slot rendezvous (D) between the
// motion detector and the event processor: set() writes an event id and
// notifies, wait_and_consume() blocks until something is pending and moves
// it out atomically. No queue — the cooldown guarantees the detector can't
// signal again before the processor drains the slot in steady state.
package motionsignal

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Signal is {event_id, timestamp}.
type Signal struct {
	EventID   int64
	Timestamp time.Time
}

// Mailbox is the single-slot signal. Zero value is not usable; use New.
type Mailbox struct {
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending *Signal
}

// New creates an empty mailbox. logger may be nil, in which case overwrite
// warnings are discarded.
func New(logger *slog.Logger) *Mailbox {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := &Mailbox{logger: logger}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Set writes the slot and wakes any waiter. If a signal is already pending
// it is overwritten and a warning is logged — the event record it named is
// still durable in the store and will simply never receive its video/
// thumbnail completion, an accepted loss.
func (m *Mailbox) Set(eventID int64, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending != nil {
		m.logger.Warn("motion signal overwritten before being consumed",
			"dropped_event_id", m.pending.EventID, "new_event_id", eventID)
	}
	m.pending = &Signal{EventID: eventID, Timestamp: ts}
	m.cond.Signal()
}

// WaitAndConsume blocks until a signal is pending, then atomically clears
// and returns it. Returns false if ctx is canceled first.
func (m *Mailbox) WaitAndConsume(ctx context.Context) (Signal, bool) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.cond.Broadcast()
			m.mu.Unlock()
		case <-done:
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()
	for m.pending == nil {
		if ctx.Err() != nil {
			return Signal{}, false
		}
		m.cond.Wait()
	}

	sig := *m.pending
	m.pending = nil
	return sig, true
}
