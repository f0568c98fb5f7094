// Package httpapi serves the recipient and template CRUD surface, manual
// sends, and operational endpoints.
package httpapi

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/pprof"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"remindbot/internal/activity"
	"remindbot/internal/broadcast"
	"remindbot/internal/connection"
	"remindbot/internal/observability"
	"remindbot/internal/scheduler"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

type Config struct {
	Addr        string
	Pprof       bool
	Metrics     bool
	Environment string
	Constrained bool
}

// Store is the persistence surface used by the handlers.
type Store interface {
	Ping() error

	ListRecipients(ctx context.Context, all bool) ([]storage.Recipient, error)
	GetRecipient(ctx context.Context, id string) (storage.Recipient, error)
	CreateRecipient(ctx context.Context, r storage.Recipient) (storage.Recipient, error)
	UpdateRecipient(ctx context.Context, id string, p storage.RecipientPatch) (storage.Recipient, error)
	DeactivateRecipient(ctx context.Context, id string) (storage.Recipient, error)
	DeleteRecipient(ctx context.Context, id string) error

	ListTemplates(ctx context.Context, all bool) ([]storage.Template, error)
	GetTemplate(ctx context.Context, id string) (storage.Template, error)
	CreateTemplate(ctx context.Context, t storage.Template) (storage.Template, error)
	UpdateTemplate(ctx context.Context, id string, p storage.TemplatePatch) (storage.Template, error)
	DeactivateTemplate(ctx context.Context, id string) (storage.Template, error)
	DeleteTemplate(ctx context.Context, id string) error

	RecentDispatches(ctx context.Context, limit int) ([]storage.DispatchRecord, error)
}

// Jobs is the job registry surface.
type Jobs interface {
	Upsert(t storage.Template) error
	Remove(id string)
	Count() int
	Jobs() []scheduler.Job
}

type Dispatcher interface {
	Broadcast(ctx context.Context, msg broadcast.Message) (broadcast.Result, error)
	SendOne(ctx context.Context, phone, text string) (string, error)
	Running() []broadcast.Progress
}

type Connection interface {
	IsReady() bool
	QR() string
	Status() connection.Status
}

// Session unlinks the paired device.
type Session interface {
	Logout(ctx context.Context) error
}

// Activity reports the latest events seen on the bus.
type Activity interface {
	Snapshot() activity.Snapshot
}

type Deps struct {
	Store      Store
	Jobs       Jobs
	Dispatcher Dispatcher
	Connection Connection
	// Session and Activity are optional.
	Session  Session
	Activity Activity
	Metrics  *observability.Metrics
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Go runs work that outlives a request, such as async broadcasts.
	// nil runs it on a plain goroutine.
	Go func(name string, fn func(ctx context.Context))
}

type Server struct {
	cfg     Config
	deps    Deps
	log     logx.Logger
	app     *fiber.App
	started time.Time
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if deps.Go == nil {
		deps.Go = func(_ string, fn func(context.Context)) { go fn(context.Background()) }
	}
	s := &Server{cfg: cfg, deps: deps, log: log, started: time.Now()}
	s.app = fiber.New(fiber.Config{
		AppName:               "remindbot",
		DisableStartupMessage: true,
		ServerHeader:          "Hidden",
		ErrorHandler:          errorHandler,
		ReadTimeout:           30 * time.Second,
		IdleTimeout:           2 * time.Minute,
	})
	s.routes()
	return s
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) routes() {
	app := s.app
	app.Use(recover.New(recover.Config{EnableStackTrace: true, StackTraceHandler: s.logPanic}))
	app.Use(requestid.New())
	app.Use(s.observe)

	if s.cfg.Pprof {
		app.Use(pprof.New())
	}
	if s.cfg.Metrics {
		g := s.deps.Gatherer
		if g == nil {
			g = prometheus.DefaultGatherer
		}
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))
	}

	app.Get("/health", s.health)

	api := app.Group("/api")
	api.Get("/phones", s.listPhones)
	api.Post("/phones", s.createPhone)
	api.Get("/phones/:id", s.getPhone)
	api.Put("/phones/:id", s.updatePhone)
	api.Delete("/phones/:id", s.deactivatePhone)
	api.Delete("/phones/:id/hard", s.deletePhone)

	api.Get("/messages", s.listMessages)
	api.Post("/messages", s.createMessage)
	api.Get("/messages/:id", s.getMessage)
	api.Put("/messages/:id", s.updateMessage)
	api.Delete("/messages/:id", s.deactivateMessage)
	api.Delete("/messages/:id/hard", s.deleteMessage)

	api.Post("/send", s.send)
	api.Post("/broadcast", s.broadcast)
	api.Get("/dispatches", s.dispatches)
	api.Get("/jobs", s.jobs)
	api.Get("/qr", s.qr)
	api.Delete("/session", s.logout)
}

// Serve listens on cfg.Addr until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))

	errc := make(chan error, 1)
	go func() { errc <- s.app.Listener(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.app.ShutdownWithContext(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	}
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) observe(c *fiber.Ctx) error {
	err := c.Next()
	status := c.Response().StatusCode()
	if err != nil {
		status, _ = classify(err)
	}
	route := "unmatched"
	if r := c.Route(); r != nil && r.Path != "/" {
		route = r.Method + " " + r.Path
	}
	s.deps.Metrics.APIRequest(route, strconv.Itoa(status))
	return err
}

func (s *Server) logPanic(c *fiber.Ctx, e any) {
	s.log.Error("http handler panic",
		logx.String("method", c.Method()),
		logx.String("path", c.Path()),
		logx.Any("panic", e),
	)
}
