package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/referral-service/internal/service"
)

// ReferralsHandler serves referral listings.
type ReferralsHandler struct {
	referrals *service.ReferralService
}

// NewReferralsHandler constructs handler.
func NewReferralsHandler(referrals *service.ReferralService) *ReferralsHandler {
	return &ReferralsHandler{referrals: referrals}
}

// List handles GET /referrals/:id. The page envelope is returned as is.
func (h *ReferralsHandler) List(c *fiber.Ctx) error {
	principal, err := principal(c)
	if err != nil {
		return err
	}
	page, err := h.referrals.List(c.UserContext(), c.Params("id"), principal.UserID, listQuery(c))
	if err != nil {
		return err
	}
	return c.JSON(page)
}

// Nested handles GET /referrals/:id/direct/:childId.
func (h *ReferralsHandler) Nested(c *fiber.Ctx) error {
	principal, err := principal(c)
	if err != nil {
		return err
	}
	page, err := h.referrals.ListNested(c.UserContext(), c.Params("id"), c.Params("childId"), principal.UserID, listQuery(c))
	if err != nil {
		return err
	}
	return c.JSON(page)
}

func listQuery(c *fiber.Ctx) service.ListQuery {
	return service.ListQuery{
		Scope:    c.Query("scope"),
		Page:     c.QueryInt("page", 1),
		PageSize: c.QueryInt("limit", 0),
		Search:   c.Query("search"),
		Status:   c.Query("status"),
	}
}
