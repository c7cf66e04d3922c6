package handler

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/mansoorceksport/subscriptions/internal/domain"
)

// statusForError maps the domain error taxonomy onto HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, domain.ErrAuthentication):
		return fiber.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return fiber.StatusConflict
	case errors.Is(err, domain.ErrGatewayRejected):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrTransientGateway):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// respondError writes the standard error body. Internal errors are logged and not echoed.
func respondError(c *fiber.Ctx, op string, err error) error {
	status := statusForError(err)
	message := err.Error()
	if status == fiber.StatusInternalServerError {
		log.Printf("[%s] Internal error: %v", op, err)
		message = "internal server error"
	}
	if status == fiber.StatusServiceUnavailable {
		log.Printf("[%s] Gateway unavailable: %v", op, err)
		message = "payment service unavailable, please try again later"
	}
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"error":   message,
	})
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"success": false,
		"error":   message,
	})
}
