package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/gofiber/fiber/v2"

	"remindbot/internal/activity"
	"remindbot/internal/broadcast"
	"remindbot/internal/connection"
	"remindbot/internal/storage"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type sendRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

func (r sendRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Phone, validation.Required),
		validation.Field(&r.Message, validation.Required),
	)
}

type broadcastRequest struct {
	Message string `json:"message"`
	Title   string `json:"title"`
	Async   bool   `json:"async"`
}

func (r broadcastRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Message, validation.Required),
		validation.Field(&r.Title, validation.Length(0, 120)),
	)
}

func (s *Server) send(c *fiber.Ctx) error {
	var req sendRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.NewError(http.StatusBadRequest, err.Error()))
	}
	if err := req.Validate(); err != nil {
		return fail(c, fiber.NewError(http.StatusBadRequest, err.Error()))
	}
	to, err := s.deps.Dispatcher.SendOne(c.UserContext(), req.Phone, req.Message)
	if err != nil {
		return fail(c, err)
	}
	return reply(c, http.StatusOK, "Message sent", fiber.Map{"to": to})
}

func (s *Server) broadcast(c *fiber.Ctx) error {
	var req broadcastRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.NewError(http.StatusBadRequest, err.Error()))
	}
	if err := req.Validate(); err != nil {
		return fail(c, fiber.NewError(http.StatusBadRequest, err.Error()))
	}
	if !s.deps.Connection.IsReady() {
		return fail(c, broadcast.ErrNotReady)
	}
	msg := broadcast.Message{
		Title:   strings.TrimSpace(req.Title),
		Text:    req.Message,
		Trigger: broadcast.TriggerManual,
	}
	if msg.Title == "" {
		msg.Title = storage.DefaultTitle
	}

	if req.Async {
		s.deps.Go("broadcast.manual", func(ctx context.Context) {
			if _, err := s.deps.Dispatcher.Broadcast(ctx, msg); err != nil {
				s.log.Warn("manual broadcast failed", logx.Err(err))
			}
		})
		return reply(c, http.StatusAccepted, "Broadcast started", nil)
	}

	res, err := s.deps.Dispatcher.Broadcast(c.UserContext(), msg)
	if err != nil {
		return fail(c, err)
	}
	if res.NotReady {
		return reply(c, http.StatusServiceUnavailable, broadcast.ErrNotReady.Error(), res)
	}
	return reply(c, http.StatusOK, "Broadcast finished", res)
}

func (s *Server) dispatches(c *fiber.Ctx) error {
	list, err := s.deps.Store.RecentDispatches(c.UserContext(), c.QueryInt("limit", 50))
	if err != nil {
		return fail(c, err)
	}
	return reply(c, http.StatusOK, "Dispatches fetched", list)
}

func (s *Server) jobs(c *fiber.Ctx) error {
	return reply(c, http.StatusOK, "Jobs fetched", fiber.Map{
		"count":   s.deps.Jobs.Count(),
		"jobs":    s.deps.Jobs.Jobs(),
		"running": s.deps.Dispatcher.Running(),
	})
}

// qr returns the pending pairing code. ?format=text returns it as plain text.
func (s *Server) qr(c *fiber.Ctx) error {
	if s.deps.Connection.IsReady() {
		return reply(c, http.StatusOK, "Already connected", nil)
	}
	code := s.deps.Connection.QR()
	if code == "" {
		return reply(c, http.StatusAccepted, "QR code is not ready yet", nil)
	}
	if c.Query("format") == "text" {
		return c.SendString(code)
	}
	return reply(c, http.StatusOK, "Scan the code to pair", fiber.Map{"qr": code})
}

// logout unlinks the device. The supervisor treats it as an auth failure,
// so pairing again needs a restart.
func (s *Server) logout(c *fiber.Ctx) error {
	if s.deps.Session == nil {
		return fail(c, fiber.NewError(http.StatusNotImplemented, "session control is not available"))
	}
	if err := s.deps.Session.Logout(c.UserContext()); err != nil {
		return fail(c, err)
	}
	s.log.Warn("device logged out via api")
	return reply(c, http.StatusOK, "Logged out; restart to pair again", nil)
}

type healthResults struct {
	Status            string               `json:"status"`
	State             connection.State     `json:"state"`
	Account           transport.Account    `json:"account"`
	ScheduledJobs     int                  `json:"scheduled_jobs"`
	ReconnectAttempts int                  `json:"reconnect_attempts"`
	AuthFailed        bool                 `json:"auth_failed,omitempty"`
	QRPending         bool                 `json:"qr_pending,omitempty"`
	Environment       string               `json:"environment"`
	Constrained       bool                 `json:"constrained"`
	Uptime            string               `json:"uptime"`
	Started           string               `json:"started"`
	Storage           string               `json:"storage"`
	LastDispatch      string               `json:"last_dispatch,omitempty"`
	Running           []broadcast.Progress `json:"running,omitempty"`
	Activity          *activity.Snapshot   `json:"activity,omitempty"`
}

func (s *Server) health(c *fiber.Ctx) error {
	st := s.deps.Connection.Status()
	res := healthResults{
		Status:            "ok",
		State:             st.State,
		Account:           st.Account,
		ScheduledJobs:     s.deps.Jobs.Count(),
		ReconnectAttempts: st.ReconnectAttempts,
		AuthFailed:        st.AuthFailed,
		QRPending:         st.QRPending,
		Environment:       s.cfg.Environment,
		Constrained:       s.cfg.Constrained,
		Uptime:            time.Since(s.started).Round(time.Second).String(),
		Started:           humanize.Time(s.started),
		Storage:           "ok",
		Running:           s.deps.Dispatcher.Running(),
	}
	if s.deps.Activity != nil {
		snap := s.deps.Activity.Snapshot()
		res.Activity = &snap
	}
	if st.State != connection.StateReady {
		res.Status = "degraded"
	}
	if err := s.deps.Store.Ping(); err != nil {
		res.Status = "degraded"
		res.Storage = err.Error()
	} else if last, err := s.deps.Store.RecentDispatches(c.UserContext(), 1); err == nil && len(last) > 0 {
		res.LastDispatch = humanize.Time(last[0].StartedAt)
	}
	return reply(c, http.StatusOK, "Service status", res)
}
