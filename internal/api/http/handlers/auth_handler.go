package handlers

import (
	"net/http"
	"net/mail"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/referral-service/internal/api/dto"
	"github.com/spec-kit/referral-service/internal/service"
)

const minPasswordLength = 8

// AuthHandler exposes registration and login.
type AuthHandler struct {
	auth *service.AuthService
}

// NewAuthHandler constructs handler.
func NewAuthHandler(authService *service.AuthService) *AuthHandler {
	return &AuthHandler{auth: authService}
}

// Register handles POST /auth/register.
func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var req dto.UserRegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid payload")
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" || strings.TrimSpace(req.Name) == "" {
		return fiber.NewError(http.StatusBadRequest, "name, email, password required")
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid email")
	}
	if len(req.Password) < minPasswordLength {
		return fiber.NewError(http.StatusBadRequest, "password too short")
	}
	if req.ReferralCode != nil && strings.TrimSpace(*req.ReferralCode) == "" {
		req.ReferralCode = nil
	}

	user, token, exp, err := h.auth.RegisterUser(c.UserContext(), service.RegisterInput{
		Name:         req.Name,
		Email:        req.Email,
		Password:     req.Password,
		Phone:        req.Phone,
		ReferralCode: req.ReferralCode,
	})
	if err != nil {
		return err
	}

	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"data": fiber.Map{
			"user": dto.NewUserSummary(user),
			"auth": dto.AuthResponse{Token: token, ExpiresAt: exp},
		},
	})
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req dto.UserLoginRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid payload")
	}
	if req.Email == "" || req.Password == "" {
		return fiber.NewError(http.StatusBadRequest, "email and password required")
	}

	user, token, exp, err := h.auth.LoginUser(c.UserContext(), req.Email, req.Password)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"data": fiber.Map{
			"user": dto.NewUserSummary(user),
			"auth": dto.AuthResponse{Token: token, ExpiresAt: exp},
		},
	})
}
