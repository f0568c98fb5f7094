package broadcast

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"remindbot/internal/eventbus"
	"remindbot/internal/observability"
	"remindbot/internal/phone"
	"remindbot/internal/retry"
	"remindbot/internal/storage"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

const (
	singleSendRetries   = 3
	registrationTimeout = 10 * time.Second
)

// Deps are the collaborators of a Service. Recorder, Bus and Metrics are
// optional.
type Deps struct {
	Ready      ReadyChecker
	Recipients RecipientSource
	Transport  transport.Adapter
	Recorder   Recorder
	Bus        eventbus.Bus
	Metrics    *observability.Metrics
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	deps Deps
	log  logx.Logger

	progMu  sync.Mutex
	running map[string]*Progress
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	s := &Service{deps: deps, log: log, running: map[string]*Progress{}}
	s.Apply(cfg)
	return s
}

// Apply swaps tuning. Broadcasts already running keep the config they
// started with.
func (s *Service) Apply(cfg Config) {
	cfg = withDefaults(cfg)

	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.Breaker != s.cfg.Breaker || s.breaker == nil {
		s.breaker = s.newBreaker(cfg.Breaker)
	}
	s.cfg = cfg
	s.limiter = lim
}

func (s *Service) newBreaker(bc BreakerConfig) *gobreaker.CircuitBreaker {
	if !bc.Enabled {
		return nil
	}
	trip := uint32(max(bc.ConsecutiveFailures, 1))
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "transport",
		MaxRequests: 1,
		Timeout:     bc.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= trip },
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn("circuit breaker state changed", logx.String("breaker", name), logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})
}

func withDefaults(cfg Config) Config {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.CountryCode == "" {
		cfg.CountryCode = phone.DefaultCountryCode
	}
	if cfg.Breaker.OpenTimeout <= 0 {
		cfg.Breaker.OpenTimeout = 30 * time.Second
	}
	return cfg
}

type snapshot struct {
	cfg     Config
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

func (s *Service) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot{cfg: s.cfg, limiter: s.limiter, breaker: s.breaker}
}

// Config returns the effective tuning.
func (s *Service) Config() Config { return s.snapshot().cfg }

// Broadcast sends msg to every active recipient. A transport that is not
// ready yields Result{NotReady: true} without touching any recipient. The
// error is non-nil only when the recipient list could not be loaded.
func (s *Service) Broadcast(ctx context.Context, msg Message) (Result, error) {
	if msg.Trigger == "" {
		msg.Trigger = TriggerManual
	}
	res := Result{StartedAt: time.Now()}
	log := s.log.With(logx.String("template", msg.TemplateID), logx.String("title", msg.Title), logx.String("trigger", msg.Trigger))

	if s.deps.Ready == nil || !s.deps.Ready.IsReady() {
		res.NotReady = true
		log.Warn("broadcast skipped: transport not ready")
		s.finish(ctx, msg, &res, nil)
		return res, nil
	}

	recipients, err := s.deps.Recipients.ActiveRecipients(ctx)
	if err != nil {
		err = fmt.Errorf("load recipients: %w", err)
		s.finish(ctx, msg, &res, err)
		return res, err
	}
	if len(recipients) == 0 {
		log.Info("broadcast skipped: no active recipients")
		s.finish(ctx, msg, &res, nil)
		return res, nil
	}

	snap := s.snapshot()
	batches := Batches(recipients, snap.cfg.BatchSize)
	prog := s.track(msg, len(recipients))
	defer s.untrack(prog.ID)

	log.Info("broadcast started", logx.Int("recipients", len(recipients)), logx.Int("batches", len(batches)))
	for i, batch := range batches {
		errs := s.sendBatch(ctx, snap, batch, msg.Text)
		for j, r := range batch {
			if errs[j] == nil {
				res.Success++
				continue
			}
			res.Failed++
			res.Failures = append(res.Failures, Failure{
				Address: phone.Canonicalize(r.Phone, snap.cfg.CountryCode),
				Name:    r.Name,
				Error:   errs[j].Error(),
			})
		}
		s.advance(prog.ID, len(batch), res.Failed)

		if i < len(batches)-1 && snap.cfg.BatchDelay > 0 {
			// A cancelled wait leaves the remaining batches to fail fast.
			_ = sleep(ctx, snap.cfg.BatchDelay)
		}
	}

	s.finish(ctx, msg, &res, nil)
	return res, nil
}

// sendBatch sends to every recipient of batch concurrently and waits for
// all of them. errs[i] is the outcome for batch[i].
func (s *Service) sendBatch(ctx context.Context, snap snapshot, batch []storage.Recipient, text string) []error {
	errs := make([]error, len(batch))
	var wg sync.WaitGroup
	for i, r := range batch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					errs[i] = fmt.Errorf("panic: %v", p)
					s.log.Error("panic in recipient send", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
				}
			}()
			addr := phone.Canonicalize(r.Phone, snap.cfg.CountryCode)
			errs[i] = s.deliver(ctx, snap, addr, text, snap.cfg.MaxRetries)
			if errs[i] != nil {
				s.log.Warn("recipient send failed", logx.Phone("to", addr), logx.String("name", r.Name), logx.Err(errs[i]))
			} else {
				s.log.Debug("recipient sent", logx.Phone("to", addr), logx.String("name", r.Name))
			}
		}()
	}
	wg.Wait()
	return errs
}

// deliver sends text to addr with up to retries retries after the first
// attempt. Each attempt is bounded by the send timeout.
func (s *Service) deliver(ctx context.Context, snap snapshot, addr, text string, retries int) error {
	p := retry.Policy{
		MaxAttempts:    retries + 1,
		Base:           snap.cfg.RetryBase,
		AttemptTimeout: snap.cfg.SendTimeout,
	}
	attempts, err := retry.Do(ctx, p, func(actx context.Context, _ int) error {
		if snap.limiter != nil {
			if err := snap.limiter.Wait(actx); err != nil {
				return err
			}
		}
		return s.sendText(actx, snap.breaker, addr, text)
	}, retry.OnWait(func(attempt int, delay time.Duration, last error) {
		s.log.Debug("send retry scheduled", logx.Phone("to", addr), logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(last))
	}))
	s.deps.Metrics.Send(err == nil, attempts)
	return err
}

func (s *Service) sendText(ctx context.Context, cb *gobreaker.CircuitBreaker, addr, text string) error {
	call := func() error {
		return retry.Bounded(ctx, func(c context.Context) error {
			return s.deps.Transport.SendText(c, addr, text)
		})
	}
	if cb == nil {
		return call()
	}
	_, err := cb.Execute(func() (any, error) { return nil, call() })
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return retry.NoRetry(err)
	}
	return err
}

// SendOne delivers text to a single phone after checking readiness and
// that the number is registered.
func (s *Service) SendOne(ctx context.Context, rawPhone, text string) (string, error) {
	if s.deps.Ready == nil || !s.deps.Ready.IsReady() {
		return "", ErrNotReady
	}
	snap := s.snapshot()
	addr := phone.Canonicalize(rawPhone, snap.cfg.CountryCode)
	if !phone.Valid(addr) {
		return addr, fmt.Errorf("%q: %w", rawPhone, ErrInvalidPhone)
	}

	regCtx, cancel := context.WithTimeout(ctx, registrationTimeout)
	ok, err := s.deps.Transport.IsRegistered(regCtx, addr)
	cancel()
	if err != nil {
		return addr, fmt.Errorf("registration check: %w", err)
	}
	if !ok {
		return addr, fmt.Errorf("%s: %w", phone.User(addr), ErrNotRegistered)
	}

	if err := s.deliver(ctx, snap, addr, text, singleSendRetries); err != nil {
		s.log.Warn("single send failed", logx.Phone("to", addr), logx.Err(err))
		return addr, err
	}
	s.log.Info("single send ok", logx.Phone("to", addr))
	return addr, nil
}

func (s *Service) finish(ctx context.Context, msg Message, res *Result, err error) {
	res.Duration = time.Since(res.StartedAt)

	if !res.NotReady && res.Total() > 0 {
		fields := []logx.Field{
			logx.String("template", msg.TemplateID),
			logx.String("title", msg.Title),
			logx.Int("success", res.Success),
			logx.Int("failed", res.Failed),
			logx.Duration("took", res.Duration),
		}
		if res.Failed > 0 {
			s.log.Warn("broadcast finished with failures", fields...)
		} else {
			s.log.Info("broadcast finished", fields...)
		}
		s.deps.Metrics.Dispatch(res.Duration)
	}

	if s.deps.Recorder != nil {
		rec := storage.DispatchRecord{
			TemplateID: msg.TemplateID,
			Title:      msg.Title,
			Trigger:    msg.Trigger,
			Success:    res.Success,
			Failed:     res.Failed,
			NotReady:   res.NotReady,
			Failures:   res.Failures,
			StartedAt:  res.StartedAt.UTC(),
			DurationMS: res.Duration.Milliseconds(),
		}
		if err != nil {
			rec.Error = err.Error()
		}
		// Recording outlives a cancelled broadcast context.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if rerr := s.deps.Recorder.AppendDispatch(rctx, rec); rerr != nil {
			s.log.Warn("dispatch record failed", logx.Err(rerr))
		}
		cancel()
	}

	s.deps.Bus.Publish(eventbus.Event{Type: eventbus.DispatchFinished, Data: *res})
}

func (s *Service) track(msg Message, total int) Progress {
	p := &Progress{
		ID:         uuid.NewString(),
		TemplateID: msg.TemplateID,
		Title:      msg.Title,
		Total:      total,
		StartedAt:  time.Now(),
	}
	s.progMu.Lock()
	s.running[p.ID] = p
	s.progMu.Unlock()
	return *p
}

func (s *Service) advance(id string, done, failed int) {
	s.progMu.Lock()
	defer s.progMu.Unlock()
	if p := s.running[id]; p != nil {
		p.Done += done
		p.Failed = failed
	}
}

func (s *Service) untrack(id string) {
	s.progMu.Lock()
	delete(s.running, id)
	s.progMu.Unlock()
}

// Running lists broadcasts in progress.
func (s *Service) Running() []Progress {
	s.progMu.Lock()
	defer s.progMu.Unlock()
	out := make([]Progress, 0, len(s.running))
	for _, p := range s.running {
		out = append(out, *p)
	}
	return out
}

// Batches splits items into consecutive chunks of at most size, preserving
// order.
func Batches[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = 1
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
