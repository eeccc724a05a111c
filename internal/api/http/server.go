package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/referral-service/internal/api/http/handlers"
	"github.com/spec-kit/referral-service/internal/app"
	"github.com/spec-kit/referral-service/internal/auth"
)

// NewServer builds the fiber app with middlewares and routes bound to the container's services.
func NewServer(c *app.Container) *fiber.App {
	cfg := c.Config
	server := fiber.New(fiber.Config{
		AppName:               cfg.App.Name,
		DisableStartupMessage: true,
	})
	RegisterMiddlewares(server, c.Logger, c.Metrics, cfg.App.RequestTimeout())

	deps := map[string]handlers.Pinger{}
	if c.Postgres != nil {
		deps["postgres"] = c.Postgres
	}
	if c.Redis != nil {
		deps["redis"] = c.Redis
	}

	RegisterRoutes(server, RouteConfig{
		Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, deps, c.Metrics),
		Auth:           handlers.NewAuthHandler(c.Auth),
		Users:          handlers.NewUsersHandler(c.UserSvc, c.Visibility, c.Hierarchy),
		Referrals:      handlers.NewReferralsHandler(c.Referrals),
		Admin:          handlers.NewAdminHandler(c.UserSvc),
		AuthMiddleware: auth.NewAuthMiddleware(c.Auth.TokenManager(), c.Users),
	})
	return server
}
