package httpapi

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"remindbot/internal/storage"
)

type phoneRequest struct {
	Phone  *string `json:"phone"`
	Name   *string `json:"name"`
	Active *bool   `json:"active"`
}

func (s *Server) listPhones(c *fiber.Ctx) error {
	list, err := s.deps.Store.ListRecipients(c.UserContext(), c.QueryBool("all"))
	if err != nil {
		return fail(c, err)
	}
	return reply(c, http.StatusOK, "Phones fetched", list)
}

func (s *Server) getPhone(c *fiber.Ctx) error {
	r, err := s.deps.Store.GetRecipient(c.UserContext(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return reply(c, http.StatusOK, "Phone fetched", r)
}

func (s *Server) createPhone(c *fiber.Ctx) error {
	var req phoneRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.NewError(http.StatusBadRequest, err.Error()))
	}
	r := storage.Recipient{}
	if req.Phone != nil {
		r.Phone = *req.Phone
	}
	if req.Name != nil {
		r.Name = *req.Name
	}
	created, err := s.deps.Store.CreateRecipient(c.UserContext(), r)
	if err != nil {
		return fail(c, err)
	}
	return reply(c, http.StatusCreated, "Phone added successfully", created)
}

func (s *Server) updatePhone(c *fiber.Ctx) error {
	var req phoneRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.NewError(http.StatusBadRequest, err.Error()))
	}
	updated, err := s.deps.Store.UpdateRecipient(c.UserContext(), c.Params("id"), storage.RecipientPatch{
		Phone:  req.Phone,
		Name:   req.Name,
		Active: req.Active,
	})
	if err != nil {
		return fail(c, err)
	}
	return reply(c, http.StatusOK, "Phone updated successfully", updated)
}

func (s *Server) deactivatePhone(c *fiber.Ctx) error {
	if _, err := s.deps.Store.DeactivateRecipient(c.UserContext(), c.Params("id")); err != nil {
		return fail(c, err)
	}
	return reply(c, http.StatusOK, "Phone deleted successfully", nil)
}

func (s *Server) deletePhone(c *fiber.Ctx) error {
	if err := s.deps.Store.DeleteRecipient(c.UserContext(), c.Params("id")); err != nil {
		return fail(c, err)
	}
	return reply(c, http.StatusOK, "Phone permanently deleted", nil)
}
