package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/referral-service/internal/api/dto"
	"github.com/spec-kit/referral-service/internal/service"
)

// AdminHandler exposes admin-only user mutations.
type AdminHandler struct {
	users *service.UserService
}

// NewAdminHandler constructs handler.
func NewAdminHandler(users *service.UserService) *AdminHandler {
	return &AdminHandler{users: users}
}

// DeleteUser handles DELETE /admin/users/:id.
func (h *AdminHandler) DeleteUser(c *fiber.Ctx) error {
	principal, err := principal(c)
	if err != nil {
		return err
	}
	if err := h.users.SoftDelete(c.UserContext(), *principal, c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}

// ChangeRole handles PUT /admin/users/:id/role.
func (h *AdminHandler) ChangeRole(c *fiber.Ctx) error {
	principal, err := principal(c)
	if err != nil {
		return err
	}
	var req dto.ChangeRoleRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid payload")
	}
	user, err := h.users.ChangeRole(c.UserContext(), *principal, c.Params("id"), req.Role)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewUserSummary(user)})
}
