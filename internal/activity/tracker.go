// Package activity follows the event bus and keeps the latest core events
// for status reporting.
package activity

import (
	"context"
	"sync"
	"time"

	"remindbot/internal/broadcast"
	"remindbot/internal/connection"
	"remindbot/internal/eventbus"
)

// Snapshot is what the tracker has seen so far. Pointer fields are nil until
// the matching event arrives.
type Snapshot struct {
	State            connection.State  `json:"state,omitempty"`
	StateSince       *time.Time        `json:"state_since,omitempty"`
	QRIssuedAt       *time.Time        `json:"qr_issued_at,omitempty"`
	ReconnectAttempt int               `json:"reconnect_attempt,omitempty"`
	ArmedJobs        int               `json:"armed_jobs"`
	ArmedAt          *time.Time        `json:"armed_at,omitempty"`
	Dispatches       int               `json:"dispatches"`
	LastDispatch     *broadcast.Result `json:"last_dispatch,omitempty"`
	LastDispatchAt   *time.Time        `json:"last_dispatch_at,omitempty"`
	Unknown          int               `json:"unknown_events,omitempty"`
}

type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

func New() *Tracker { return &Tracker{} }

// Follow subscribes immediately so nothing published after it returns is
// missed, and returns the loop that drains the subscription until ctx ends.
func (t *Tracker) Follow(bus eventbus.Bus) func(ctx context.Context) {
	events, unsub := bus.Subscribe(64)
	return func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				t.Observe(e)
			}
		}
	}
}

// Observe folds one event into the snapshot.
func (t *Tracker) Observe(e eventbus.Event) {
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.snap
	switch e.Type {
	case eventbus.ConnectionState:
		st, ok := e.Data.(connection.State)
		if !ok {
			s.Unknown++
			return
		}
		s.State = st
		s.StateSince = &at
		if st == connection.StateReady {
			s.ReconnectAttempt = 0
			s.QRIssuedAt = nil
		}
	case eventbus.ConnectionQR:
		s.QRIssuedAt = &at
	case eventbus.ReconnectAttempt:
		n, ok := e.Data.(int)
		if !ok {
			s.Unknown++
			return
		}
		s.ReconnectAttempt = n
	case eventbus.JobsArmed:
		n, ok := e.Data.(int)
		if !ok {
			s.Unknown++
			return
		}
		s.ArmedJobs = n
		s.ArmedAt = &at
	case eventbus.DispatchFinished:
		res, ok := e.Data.(broadcast.Result)
		if !ok {
			s.Unknown++
			return
		}
		s.Dispatches++
		s.LastDispatch = &res
		s.LastDispatchAt = &at
	default:
		s.Unknown++
	}
}

// Snapshot returns a copy. The pointed-to values are never mutated after
// they are stored.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap
}
