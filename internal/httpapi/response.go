package httpapi

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"remindbot/internal/broadcast"
	"remindbot/internal/scheduler"
	"remindbot/internal/storage"
	"remindbot/internal/transport"
)

// ResponseData is the envelope of every JSON response.
type ResponseData struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Results any    `json:"results,omitempty"`
}

func reply(c *fiber.Ctx, status int, message string, results any) error {
	return c.Status(status).JSON(ResponseData{
		Status:  status,
		Code:    codeFor(status),
		Message: message,
		Results: results,
	})
}

func fail(c *fiber.Ctx, err error) error {
	status, code := classify(err)
	return c.Status(status).JSON(ResponseData{
		Status:  status,
		Code:    code,
		Message: err.Error(),
	})
}

// classify maps domain errors to an HTTP status and response code.
func classify(err error) (int, string) {
	var fe *fiber.Error
	switch {
	case err == nil:
		return http.StatusOK, "SUCCESS"
	case errors.As(err, &fe):
		return fe.Code, codeFor(fe.Code)
	case storage.IsValidation(err),
		errors.Is(err, scheduler.ErrInvalidSchedule),
		errors.Is(err, broadcast.ErrInvalidPhone):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, broadcast.ErrNotRegistered):
		return http.StatusUnprocessableEntity, "NOT_REGISTERED"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, storage.ErrDuplicate):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, broadcast.ErrNotReady),
		errors.Is(err, transport.ErrNotConnected):
		return http.StatusServiceUnavailable, "NOT_READY"
	default:
		return http.StatusInternalServerError, "INTERNAL_SERVER_ERROR"
	}
}

func codeFor(status int) string {
	switch status {
	case http.StatusOK:
		return "SUCCESS"
	case http.StatusCreated:
		return "CREATED"
	case http.StatusAccepted:
		return "ACCEPTED"
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusServiceUnavailable:
		return "NOT_READY"
	default:
		if status >= 500 {
			return "INTERNAL_SERVER_ERROR"
		}
		return http.StatusText(status)
	}
}

// errorHandler renders errors that escape handlers, including unknown routes.
func errorHandler(c *fiber.Ctx, err error) error {
	return fail(c, err)
}
