package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"remindbot/internal/broadcast"
	"remindbot/internal/eventbus"
	"remindbot/internal/observability"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

const DefaultTimezone = "Asia/Manila"

var ErrInvalidSchedule = errors.New("invalid schedule")

type Config struct {
	Timezone string
	// FireTimeout bounds a single firing; 0 means unbounded.
	FireTimeout time.Duration
}

// TemplateSource loads the templates a resync arms.
type TemplateSource interface {
	ActiveTemplates(ctx context.Context) ([]storage.Template, error)
}

// Dispatcher runs one broadcast for a firing.
type Dispatcher interface {
	Broadcast(ctx context.Context, msg broadcast.Message) (broadcast.Result, error)
}

// Job describes an armed template.
type Job struct {
	TemplateID string    `json:"template_id"`
	Title      string    `json:"title"`
	Schedule   string    `json:"schedule"`
	Next       time.Time `json:"next"`
}

type armed struct {
	entry cron.EntryID
	snap  storage.Template
}

type Registry struct {
	mu sync.Mutex

	log     logx.Logger
	cfg     Config
	loc     *time.Location
	parser  cron.Parser
	c       *cron.Cron
	jobs    map[string]armed
	disp    Dispatcher
	bus     eventbus.Bus
	metrics *observability.Metrics

	runCtx    context.Context
	runCancel context.CancelFunc
	started   bool

	// suspended holds while the transport is not ready: Clear sets it,
	// a successful Resync lifts it, and Upsert never arms while it holds.
	suspended bool
}

type Option func(*Registry)

func WithBus(b eventbus.Bus) Option { return func(r *Registry) { r.bus = b } }

func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func New(cfg Config, disp Dispatcher, log logx.Logger, opts ...Option) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{
		log:       log,
		cfg:       cfg,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		jobs:      map[string]armed{},
		disp:      disp,
		bus:       eventbus.Nop{},
		suspended: true,
	}
	for _, o := range opts {
		o(r)
	}
	r.runCtx, r.runCancel = context.WithCancel(context.Background())
	r.loc = r.loadLocationLocked()
	r.c = r.newCronLocked()
	return r
}

func (r *Registry) newCronLocked() *cron.Cron {
	cl := cronLogger{log: r.log}
	return cron.New(
		cron.WithParser(r.parser),
		cron.WithLocation(r.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.SkipIfStillRunning(cl)),
	)
}

// Start begins firing armed jobs. Firings get contexts derived from ctx.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.runCancel()
	r.runCtx, r.runCancel = context.WithCancel(ctx)
	r.c.Start()
	r.log.Info("job registry started", logx.String("tz", r.loc.String()), logx.Int("jobs", len(r.jobs)))
}

// Stop clears every job and stops cron. It waits for running firings
// until ctx ends.
func (r *Registry) Stop(ctx context.Context) {
	r.mu.Lock()
	r.clearLocked()
	r.suspended = true
	r.publishLocked()
	c := r.c
	cancel := r.runCancel
	wasStarted := r.started
	r.started = false
	r.mu.Unlock()

	if !wasStarted {
		return
	}
	done := c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		r.log.Warn("job registry stop timed out; cancelling running firings")
	}
	cancel()
	r.log.Info("job registry stopped")
}

// Apply updates config. A time zone change rebuilds cron and re-arms every
// job in the new zone.
func (r *Registry) Apply(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	oldTZ := strings.TrimSpace(r.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	r.cfg = cfg
	if oldTZ == newTZ {
		return
	}
	r.restartLocked()
}

func (r *Registry) restartLocked() {
	// Running firings finish on their own; only scheduling moves over.
	old := r.c
	old.Stop()

	r.loc = r.loadLocationLocked()
	r.c = r.newCronLocked()
	for id, j := range r.jobs {
		entry, err := r.addLocked(j.snap)
		if err != nil {
			r.log.Warn("re-arm failed", logx.String("template", id), logx.Err(err))
			delete(r.jobs, id)
			continue
		}
		r.jobs[id] = armed{entry: entry, snap: j.snap}
	}
	if r.started {
		r.c.Start()
	}
	r.log.Info("job registry restarted", logx.String("tz", r.loc.String()), logx.Int("jobs", len(r.jobs)))
	r.publishLocked()
}

// Resync destroys every armed job, loads the active templates from src and
// arms one job each. The load runs under the registry lock, so an Upsert or
// Remove issued meanwhile is applied after the resync, never before it.
// A failed load leaves the registry empty and suspended.
func (r *Registry) Resync(ctx context.Context, src TemplateSource) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clearLocked()
	templates, err := src.ActiveTemplates(ctx)
	if err != nil {
		r.suspended = true
		r.publishLocked()
		return 0, fmt.Errorf("load active templates: %w", err)
	}
	for _, t := range templates {
		if !t.Active {
			continue
		}
		if err := r.armLocked(t); err != nil {
			r.log.Warn("template not armed", logx.String("template", t.ID), logx.String("schedule", t.CronTime), logx.Err(err))
		}
	}
	r.suspended = false
	r.log.Info("jobs resynced", logx.Int("jobs", len(r.jobs)))
	r.publishLocked()
	return len(r.jobs), nil
}

// Upsert replaces the job for t.ID. An inactive template ends up
// unregistered. While suspended the schedule is validated but not armed;
// the next Resync picks the template up from the store.
func (r *Registry) Upsert(t storage.Template) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	replaced := r.removeLocked(t.ID)
	if !t.Active {
		if replaced {
			r.log.Info("job removed (template inactive)", logx.String("template", t.ID))
			r.publishLocked()
		}
		return nil
	}
	if r.suspended {
		if _, err := r.parseLocked(t.CronTime); err != nil {
			return err
		}
		r.log.Debug("job deferred until ready", logx.String("template", t.ID))
		if replaced {
			r.publishLocked()
		}
		return nil
	}
	if err := r.armLocked(t); err != nil {
		r.publishLocked()
		return err
	}
	if replaced {
		r.log.Info("job updated", logx.String("template", t.ID), logx.String("schedule", t.CronTime))
	}
	r.publishLocked()
	return nil
}

// Remove destroys the job for id if present.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removeLocked(id) {
		r.log.Info("job removed", logx.String("template", id))
		r.publishLocked()
	}
}

// Clear destroys every job and suspends arming until the next Resync.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.jobs)
	r.clearLocked()
	r.suspended = true
	if n > 0 {
		r.log.Info("jobs cleared", logx.Int("jobs", n))
	}
	r.publishLocked()
}

// Suspended reports whether arming is held until the next Resync.
func (r *Registry) Suspended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suspended
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Jobs lists armed jobs ordered by next firing.
func (r *Registry) Jobs() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Job, 0, len(r.jobs))
	for id, j := range r.jobs {
		job := Job{TemplateID: id, Title: j.snap.Title, Schedule: j.snap.CronTime}
		if e := r.c.Entry(j.entry); e.Valid() {
			job.Next = e.Next
		}
		if job.Next.IsZero() {
			if sched, err := r.parser.Parse(j.snap.CronTime); err == nil {
				job.Next = sched.Next(time.Now().In(r.loc))
			}
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Next.Equal(out[k].Next) {
			return out[i].TemplateID < out[k].TemplateID
		}
		return out[i].Next.Before(out[k].Next)
	})
	return out
}

// Location is the zone schedules are evaluated in.
func (r *Registry) Location() *time.Location {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loc
}

func (r *Registry) armLocked(t storage.Template) error {
	entry, err := r.addLocked(t)
	if err != nil {
		return err
	}
	r.jobs[t.ID] = armed{entry: entry, snap: t}
	args := []logx.Field{logx.String("template", t.ID), logx.String("title", t.Title), logx.String("schedule", t.CronTime)}
	if next := r.previewNextRunsLocked(t.CronTime, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	r.log.Debug("job armed", args...)
	return nil
}

func (r *Registry) parseLocked(spec string) (cron.Schedule, error) {
	if len(strings.Fields(spec)) != 5 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSchedule, spec)
	}
	sched, err := r.parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return sched, nil
}

func (r *Registry) addLocked(t storage.Template) (cron.EntryID, error) {
	sched, err := r.parseLocked(t.CronTime)
	if err != nil {
		return 0, err
	}
	snap := t
	return r.c.Schedule(sched, cron.FuncJob(func() { r.fire(snap) })), nil
}

func (r *Registry) removeLocked(id string) bool {
	j, ok := r.jobs[id]
	if !ok {
		return false
	}
	r.c.Remove(j.entry)
	delete(r.jobs, id)
	return true
}

func (r *Registry) clearLocked() {
	for id, j := range r.jobs {
		r.c.Remove(j.entry)
		delete(r.jobs, id)
	}
}

func (r *Registry) publishLocked() {
	n := len(r.jobs)
	r.metrics.ArmedJobs(n)
	r.bus.Publish(eventbus.Event{Type: eventbus.JobsArmed, Data: n})
}

func (r *Registry) fire(t storage.Template) {
	log := r.log.With(logx.String("template", t.ID), logx.String("title", t.Title))
	defer func() {
		if p := recover(); p != nil {
			r.metrics.Firing("panic")
			log.Error("panic in scheduled firing", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()

	r.mu.Lock()
	ctx := r.runCtx
	timeout := r.cfg.FireTimeout
	r.mu.Unlock()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	log.Info("scheduled firing")
	res, err := r.disp.Broadcast(ctx, broadcast.Message{
		TemplateID: t.ID,
		Title:      t.Title,
		Text:       t.Text,
		Trigger:    broadcast.TriggerSchedule,
	})
	switch {
	case err != nil:
		r.metrics.Firing("error")
		log.Error("scheduled firing failed", logx.Err(err))
	case res.NotReady:
		r.metrics.Firing("not_ready")
		log.Warn("scheduled firing skipped: transport not ready")
	default:
		r.metrics.Firing("ok")
		log.Info("scheduled firing done", logx.Int("success", res.Success), logx.Int("failed", res.Failed), logx.Duration("took", res.Duration))
	}
}

func (r *Registry) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(r.cfg.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		r.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked formats the next n run times for debug logging.
func (r *Registry) previewNextRunsLocked(spec string, n int) string {
	if !r.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	sched, err := r.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(r.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04"))
	}
	return b.String()
}
