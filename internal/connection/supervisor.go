// Package connection owns the transport connection state machine:
//
//	uninitialized -> connecting -> ready -> disconnected -> connecting ...
//
// Ready arms the scheduled jobs; any disconnect clears them before anything
// else happens. Reconnects run with capped exponential backoff and a fixed
// attempt budget. Exhausting the budget ends Run with ErrReconnectExhausted.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/observability"
	"remindbot/internal/retry"
	"remindbot/internal/scheduler"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type State string

const (
	StateUninitialized State = "uninitialized"
	StateConnecting    State = "connecting"
	StateReady         State = "ready"
	StateDisconnected  State = "disconnected"
)

var knownStates = []string{string(StateUninitialized), string(StateConnecting), string(StateReady), string(StateDisconnected)}

var (
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrAuthFailed         = errors.New("transport authentication failed")
	ErrAlreadyInitialized = errors.New("connection already initialized")
)

type Config struct {
	// AutoReconnect is off in constrained environments.
	AutoReconnect bool
	MaxAttempts   int
	Base          time.Duration
	MaxDelay      time.Duration
	// ReadyTimeout bounds a reconnect attempt from Connect to ready.
	ReadyTimeout    time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Base <= 0 {
		c.Base = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

type TemplateSource = scheduler.TemplateSource

// Jobs is the part of the job registry the supervisor drives. Resync loads
// the templates itself so the load is ordered with concurrent edits.
type Jobs interface {
	Resync(ctx context.Context, src scheduler.TemplateSource) (int, error)
	Clear()
}

// Status is a point-in-time view for health output.
type Status struct {
	State             State             `json:"state"`
	Since             time.Time         `json:"since"`
	ReconnectAttempts int               `json:"reconnect_attempts"`
	AuthFailed        bool              `json:"auth_failed,omitempty"`
	QRPending         bool              `json:"qr_pending,omitempty"`
	Account           transport.Account `json:"account"`
}

type Supervisor struct {
	cfg       Config
	adapter   transport.Adapter
	templates TemplateSource
	jobs      Jobs
	bus       eventbus.Bus
	metrics   *observability.Metrics
	log       logx.Logger

	mu         sync.Mutex
	state      State
	since      time.Time
	attempts   int
	authFailed bool
	qr         string
	changed    chan struct{}
}

type Option func(*Supervisor)

func WithBus(b eventbus.Bus) Option { return func(s *Supervisor) { s.bus = b } }

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

func New(cfg Config, adapter transport.Adapter, templates TemplateSource, jobs Jobs, log logx.Logger, opts ...Option) *Supervisor {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Supervisor{
		cfg:       cfg.withDefaults(),
		adapter:   adapter,
		templates: templates,
		jobs:      jobs,
		bus:       eventbus.Nop{},
		log:       log,
		state:     StateUninitialized,
		since:     time.Now(),
		changed:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Initialize starts the first connection. A failure here is fatal for the
// process; later failures go through reconnect.
func (s *Supervisor) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateUninitialized {
		s.mu.Unlock()
		return ErrAlreadyInitialized
	}
	s.mu.Unlock()

	s.setState(StateConnecting)
	if err := s.adapter.Connect(ctx); err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("initialize transport: %w", err)
	}
	s.log.Info("transport connecting")
	return nil
}

// Run consumes transport events until ctx ends. It is the only writer of
// connection state after Initialize. It returns ErrReconnectExhausted when
// the reconnect budget runs out.
func (s *Supervisor) Run(ctx context.Context) error {
	events := s.adapter.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return errors.New("transport event stream closed")
			}
			if err := s.handle(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, ev transport.Event) error {
	switch ev.Kind {
	case transport.EventReady:
		s.onReady(ctx)
	case transport.EventDisconnected:
		return s.onDisconnected(ctx, ev.Reason)
	case transport.EventAuthFailure:
		s.onAuthFailure(ev.Reason)
	case transport.EventQR:
		s.onQR(ev.Code)
	case transport.EventPaired:
		s.log.Info("device paired", logx.Phone("jid", ev.Reason))
	}
	return nil
}

func (s *Supervisor) onReady(ctx context.Context) {
	s.mu.Lock()
	s.attempts = 0
	s.authFailed = false
	s.qr = ""
	s.mu.Unlock()
	s.setState(StateReady)

	acct := s.adapter.Self()
	s.log.Info("transport ready", logx.Phone("phone", acct.Phone), logx.String("name", acct.Name))

	n, err := s.jobs.Resync(ctx, s.templates)
	if err != nil {
		s.log.Error("resync failed; no jobs armed", logx.Err(err))
		return
	}
	s.log.Info("scheduled messages armed", logx.Int("jobs", n))
}

func (s *Supervisor) onDisconnected(ctx context.Context, reason string) error {
	s.setState(StateDisconnected)
	s.jobs.Clear()
	s.log.Warn("transport disconnected", logx.String("reason", reason))

	if !s.cfg.AutoReconnect {
		s.log.Warn("auto reconnect disabled; waiting for restart or manual reconnect")
		return nil
	}
	return s.reconnect(ctx)
}

func (s *Supervisor) onAuthFailure(reason string) {
	s.mu.Lock()
	s.authFailed = true
	s.mu.Unlock()
	s.setState(StateDisconnected)
	s.jobs.Clear()
	s.log.Error("transport authentication failed; not reconnecting", logx.String("reason", reason))
}

func (s *Supervisor) onQR(code string) {
	s.mu.Lock()
	s.qr = code
	s.mu.Unlock()
	s.log.Info("pairing code available at /api/qr")
	s.bus.Publish(eventbus.Event{Type: eventbus.ConnectionQR})
}

// reconnect drives attempts until the transport is ready again, the budget
// runs out, auth fails, or ctx ends.
func (s *Supervisor) reconnect(ctx context.Context) error {
	events := s.adapter.Events()
	p := retry.Policy{
		MaxAttempts:    s.cfg.MaxAttempts,
		Base:           s.cfg.Base,
		MaxDelay:       s.cfg.MaxDelay,
		AttemptTimeout: s.cfg.ReadyTimeout,
		WaitFirst:      true,
	}
	_, err := retry.Do(ctx, p, func(actx context.Context, attempt int) error {
		s.mu.Lock()
		s.attempts = attempt
		s.mu.Unlock()
		s.metrics.ReconnectAttempt()
		s.bus.Publish(eventbus.Event{Type: eventbus.ReconnectAttempt, Data: attempt})
		s.log.Info("reconnecting", logx.Int("attempt", attempt), logx.Int("max", s.cfg.MaxAttempts))

		s.setState(StateConnecting)
		if err := s.adapter.Connect(actx); err != nil {
			s.setState(StateDisconnected)
			return err
		}
		return s.awaitReady(actx, events)
	}, retry.OnWait(func(attempt int, delay time.Duration, last error) {
		s.log.Info("reconnect scheduled", logx.Int("attempt", attempt), logx.Duration("in", delay), logx.Err(last))
	}))

	switch {
	case err == nil:
		s.onReady(ctx)
		return nil
	case ctx.Err() != nil:
		return nil
	case errors.Is(err, ErrAuthFailed):
		return nil
	default:
		s.setState(StateDisconnected)
		s.log.Error("reconnect attempts exhausted; restart required", logx.Int("attempts", s.ReconnectAttempts()), logx.Err(err))
		return fmt.Errorf("%w: %v", ErrReconnectExhausted, err)
	}
}

func (s *Supervisor) awaitReady(ctx context.Context, events <-chan transport.Event) error {
	for {
		select {
		case <-ctx.Done():
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
			_ = s.adapter.Disconnect(dctx)
			cancel()
			s.setState(StateDisconnected)
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return retry.NoRetry(errors.New("transport event stream closed"))
			}
			switch ev.Kind {
			case transport.EventReady:
				return nil
			case transport.EventDisconnected:
				s.setState(StateDisconnected)
				return fmt.Errorf("disconnected: %s", ev.Reason)
			case transport.EventAuthFailure:
				s.onAuthFailure(ev.Reason)
				return retry.NoRetry(ErrAuthFailed)
			case transport.EventQR:
				s.onQR(ev.Code)
			case transport.EventPaired:
				s.log.Info("device paired", logx.Phone("jid", ev.Reason))
			}
		}
	}
}

// Shutdown clears every job and closes the transport within the shutdown
// timeout.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.jobs.Clear()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	err := s.adapter.Disconnect(ctx)
	s.setState(StateDisconnected)
	if err != nil {
		s.log.Warn("transport close did not finish cleanly", logx.Err(err))
	}
	return err
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = st
	s.since = time.Now()
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	s.metrics.ConnectionState(string(st), knownStates)
	s.bus.Publish(eventbus.Event{Type: eventbus.ConnectionState, Data: st})
	s.log.Debug("connection state", logx.String("from", string(prev)), logx.String("to", string(st)))
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) IsReady() bool { return s.State() == StateReady }

func (s *Supervisor) ReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// QR returns the latest pairing code seen since the last ready.
func (s *Supervisor) QR() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qr
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		State:             s.state,
		Since:             s.since,
		ReconnectAttempts: s.attempts,
		AuthFailed:        s.authFailed,
		QRPending:         s.qr != "",
	}
	s.mu.Unlock()
	if st.State == StateReady {
		st.Account = s.adapter.Self()
	}
	return st
}

// WaitReady blocks until the state is ready or ctx ends.
func (s *Supervisor) WaitReady(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.state == StateReady {
			s.mu.Unlock()
			return nil
		}
		if s.authFailed {
			s.mu.Unlock()
			return ErrAuthFailed
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
