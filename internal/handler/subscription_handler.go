package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/mansoorceksport/subscriptions/internal/domain"
	"github.com/mansoorceksport/subscriptions/internal/service"
	"github.com/mansoorceksport/subscriptions/internal/telemetry"
)

// SubscriptionHandler serves the subscription lifecycle endpoints
type SubscriptionHandler struct {
	svc *service.SubscriptionService
}

// NewSubscriptionHandler creates a new SubscriptionHandler
func NewSubscriptionHandler(svc *service.SubscriptionService) *SubscriptionHandler {
	return &SubscriptionHandler{svc: svc}
}

// CancelRequest is the body of POST /subscriptions/cancel
type CancelRequest struct {
	UserID    string `json:"userId"`
	Immediate bool   `json:"immediate"`
}

// ReactivateRequest is the body of POST /subscriptions/reactivate
type ReactivateRequest struct {
	UserID string `json:"userId"`
}

// Checkout handles POST /subscriptions/checkout
func (h *SubscriptionHandler) Checkout(c *fiber.Ctx) error {
	var req service.CheckoutRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	result, err := h.svc.Checkout(c.UserContext(), req)
	if err != nil {
		return respondError(c, "Checkout", err)
	}
	telemetry.SetSpanAttribute(c, "subscription.id", result.SubscriptionID)

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    result,
	})
}

// GetUserSubscription handles GET /subscriptions/user/:userId
func (h *SubscriptionHandler) GetUserSubscription(c *fiber.Ctx) error {
	sub, err := h.svc.GetUserSubscription(c.UserContext(), c.Params("userId"))
	if err != nil {
		return respondError(c, "Subscription", err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    sub,
	})
}

// Cancel handles POST /subscriptions/cancel
func (h *SubscriptionHandler) Cancel(c *fiber.Ctx) error {
	var req CancelRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	sub, err := h.svc.Cancel(c.UserContext(), req.UserID, req.Immediate)
	if err != nil {
		return respondError(c, "Cancel", err)
	}
	telemetry.SetSpanAttribute(c, "subscription.id", sub.ID)

	return c.JSON(fiber.Map{
		"success": true,
		"data":    sub,
	})
}

// Reactivate handles POST /subscriptions/reactivate
func (h *SubscriptionHandler) Reactivate(c *fiber.Ctx) error {
	var req ReactivateRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	sub, err := h.svc.Reactivate(c.UserContext(), req.UserID)
	if err != nil {
		return respondError(c, "Reactivate", err)
	}
	telemetry.SetSpanAttribute(c, "subscription.id", sub.ID)

	return c.JSON(fiber.Map{
		"success": true,
		"data":    sub,
	})
}

// List handles GET /subscriptions?page&limit&status (admin only)
func (h *SubscriptionHandler) List(c *fiber.Ctx) error {
	page, err := h.svc.List(c.UserContext(), domain.SubscriptionFilter{
		Status: domain.SubscriptionStatus(c.Query("status")),
		Page:   c.QueryInt("page", 1),
		Limit:  c.QueryInt("limit", 20),
	})
	if err != nil {
		return respondError(c, "List", err)
	}

	items := page.Items
	if items == nil {
		items = []*domain.Subscription{}
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    items,
		"page":    page.Page,
		"limit":   page.Limit,
		"total":   page.Total,
	})
}
