package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/referral-service/internal/api/dto"
	"github.com/spec-kit/referral-service/internal/auth"
	"github.com/spec-kit/referral-service/internal/domain"
	"github.com/spec-kit/referral-service/internal/service"
)

// UsersHandler serves the caller's own record and other users' profiles.
type UsersHandler struct {
	users      *service.UserService
	visibility *service.VisibilityService
	hierarchy  *service.HierarchyService
}

// NewUsersHandler constructs handler.
func NewUsersHandler(users *service.UserService, visibility *service.VisibilityService, hierarchy *service.HierarchyService) *UsersHandler {
	return &UsersHandler{users: users, visibility: visibility, hierarchy: hierarchy}
}

// Me handles GET /users/me.
func (h *UsersHandler) Me(c *fiber.Ctx) error {
	principal, err := principal(c)
	if err != nil {
		return err
	}
	user, cfg, err := h.users.Me(c.UserContext(), principal.UserID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.MeResponse{
		ProfileView: domain.ProjectProfile(user, false),
		Role:        user.Role,
		ReferrerRef: user.ReferrerRef,
		Privacy:     cfg.Settings,
	}})
}

// UpdateMe handles PATCH /users/me.
func (h *UsersHandler) UpdateMe(c *fiber.Ctx) error {
	principal, err := principal(c)
	if err != nil {
		return err
	}
	var req dto.UpdateProfileRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid payload")
	}
	user, err := h.users.UpdateProfile(c.UserContext(), principal.UserID, service.ProfileUpdate{
		Name:      req.Name,
		Phone:     req.Phone,
		AvatarURL: req.AvatarURL,
		Country:   req.Country,
		Bio:       req.Bio,
		Website:   req.Website,
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": domain.ProjectProfile(user, false)})
}

// UpdatePrivacy handles PUT /users/me/privacy.
func (h *UsersHandler) UpdatePrivacy(c *fiber.Ctx) error {
	principal, err := principal(c)
	if err != nil {
		return err
	}
	var req dto.UpdatePrivacyRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid payload")
	}
	cfg, err := h.users.UpdatePrivacy(c.UserContext(), principal.UserID, req.Settings)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": cfg.Settings})
}

// Profile handles GET /users/:id/profile.
func (h *UsersHandler) Profile(c *fiber.Ctx) error {
	principal, err := principal(c)
	if err != nil {
		return err
	}
	view, err := h.visibility.ViewProfile(c.UserContext(), principal.UserID, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": view})
}

// Visibility handles GET /users/:id/visibility.
func (h *UsersHandler) Visibility(c *fiber.Ctx) error {
	principal, err := principal(c)
	if err != nil {
		return err
	}
	access, err := h.visibility.CanViewProfile(c.UserContext(), principal.UserID, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": access})
}

// Membership handles GET /users/:id/membership.
func (h *UsersHandler) Membership(c *fiber.Ctx) error {
	principal, err := principal(c)
	if err != nil {
		return err
	}
	membership, err := h.hierarchy.MembershipFor(c.UserContext(), principal.UserID, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": membership})
}

func principal(c *fiber.Ctx) (*domain.Principal, error) {
	p, ok := auth.PrincipalFromContext(c)
	if !ok {
		return nil, fiber.NewError(http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
	}
	return p, nil
}
