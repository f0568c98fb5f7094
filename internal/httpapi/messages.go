package httpapi

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

type messageRequest struct {
	Message  *string `json:"message"`
	CronTime *string `json:"cron_time"`
	Title    *string `json:"title"`
	Active   *bool   `json:"active"`
}

func (s *Server) listMessages(c *fiber.Ctx) error {
	list, err := s.deps.Store.ListTemplates(c.UserContext(), c.QueryBool("all"))
	if err != nil {
		return fail(c, err)
	}
	return reply(c, http.StatusOK, "Messages fetched", list)
}

func (s *Server) getMessage(c *fiber.Ctx) error {
	t, err := s.deps.Store.GetTemplate(c.UserContext(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return reply(c, http.StatusOK, "Message fetched", t)
}

func (s *Server) createMessage(c *fiber.Ctx) error {
	var req messageRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.NewError(http.StatusBadRequest, err.Error()))
	}
	t := storage.Template{}
	if req.Message != nil {
		t.Text = *req.Message
	}
	if req.CronTime != nil {
		t.CronTime = *req.CronTime
	}
	if req.Title != nil {
		t.Title = *req.Title
	}
	created, err := s.deps.Store.CreateTemplate(c.UserContext(), t)
	if err != nil {
		return fail(c, err)
	}
	s.arm(created)
	return reply(c, http.StatusCreated, "Message scheduled successfully", created)
}

func (s *Server) updateMessage(c *fiber.Ctx) error {
	var req messageRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.NewError(http.StatusBadRequest, err.Error()))
	}
	updated, err := s.deps.Store.UpdateTemplate(c.UserContext(), c.Params("id"), storage.TemplatePatch{
		Text:     req.Message,
		CronTime: req.CronTime,
		Title:    req.Title,
		Active:   req.Active,
	})
	if err != nil {
		return fail(c, err)
	}
	s.arm(updated)
	return reply(c, http.StatusOK, "Message updated successfully", updated)
}

func (s *Server) deactivateMessage(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := s.deps.Store.DeactivateTemplate(c.UserContext(), id); err != nil {
		return fail(c, err)
	}
	s.deps.Jobs.Remove(id)
	return reply(c, http.StatusOK, "Message deleted successfully", nil)
}

func (s *Server) deleteMessage(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.deps.Store.DeleteTemplate(c.UserContext(), id); err != nil {
		return fail(c, err)
	}
	s.deps.Jobs.Remove(id)
	return reply(c, http.StatusOK, "Message permanently deleted", nil)
}

// arm mirrors a stored template into the job registry. The registry holds
// arming itself while the transport is not ready.
func (s *Server) arm(t storage.Template) {
	if err := s.deps.Jobs.Upsert(t); err != nil {
		s.log.Warn("arm job failed", logx.String("template", t.ID), logx.Err(err))
	}
}
