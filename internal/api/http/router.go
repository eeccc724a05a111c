package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/referral-service/internal/api/http/handlers"
	"github.com/spec-kit/referral-service/internal/auth"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Auth           *handlers.AuthHandler
	Users          *handlers.UsersHandler
	Referrals      *handlers.ReferralsHandler
	Admin          *handlers.AdminHandler
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	app.Get("/health/metrics", cfg.Health.Metrics)

	authGroup := app.Group("/auth")
	authGroup.Post("/register", cfg.Auth.Register)
	authGroup.Post("/login", cfg.Auth.Login)

	users := app.Group("/users", cfg.AuthMiddleware.Handle, auth.RequireAnyRole())
	users.Get("/me", cfg.Users.Me)
	users.Patch("/me", cfg.Users.UpdateMe)
	users.Put("/me/privacy", cfg.Users.UpdatePrivacy)
	users.Get("/:id/profile", cfg.Users.Profile)
	users.Get("/:id/visibility", cfg.Users.Visibility)
	users.Get("/:id/membership", cfg.Users.Membership)

	referrals := app.Group("/referrals", cfg.AuthMiddleware.Handle, auth.RequireAnyRole())
	referrals.Get("/:id", cfg.Referrals.List)
	referrals.Get("/:id/direct/:childId", cfg.Referrals.Nested)

	admin := app.Group("/admin", cfg.AuthMiddleware.Handle, auth.RequireAdmin())
	admin.Delete("/users/:id", cfg.Admin.DeleteUser)
	admin.Put("/users/:id/role", cfg.Admin.ChangeRole)
}
