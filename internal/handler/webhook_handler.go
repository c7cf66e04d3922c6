package handler

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/mansoorceksport/subscriptions/internal/domain"
	"github.com/mansoorceksport/subscriptions/internal/infrastructure/stripe"
	"github.com/mansoorceksport/subscriptions/internal/service"
)

// WebhookHandler receives signed payment provider events
type WebhookHandler struct {
	svc *service.WebhookService
}

// NewWebhookHandler creates a new WebhookHandler
func NewWebhookHandler(svc *service.WebhookService) *WebhookHandler {
	return &WebhookHandler{svc: svc}
}

// ProviderWebhook handles POST /webhooks/provider
// This is a public endpoint - trust comes from the signature header, not a token
func (h *WebhookHandler) ProviderWebhook(c *fiber.Ctx) error {
	// fasthttp reuses the request buffer once the handler returns
	payload := append([]byte(nil), c.Body()...)
	signature := c.Get(stripe.SignatureHeader)

	if err := h.svc.HandleEvent(c.UserContext(), payload, signature); err != nil {
		if errors.Is(err, domain.ErrAuthentication) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "invalid signature",
			})
		}
		log.Printf("[Webhook] Handler error: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}

	return c.JSON(fiber.Map{"received": true})
}
