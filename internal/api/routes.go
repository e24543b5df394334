package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sagaler1/v-chatbot/internal/api/handlers"
	"github.com/sagaler1/v-chatbot/internal/api/middleware"
	"github.com/sagaler1/v-chatbot/internal/audit"
	"github.com/sagaler1/v-chatbot/internal/auth"
	"github.com/sagaler1/v-chatbot/internal/chat"
	"github.com/sagaler1/v-chatbot/internal/config"
	"github.com/sagaler1/v-chatbot/internal/repository"
	"github.com/sirupsen/logrus"
)

// Deps are the services the routes are wired to.
type Deps struct {
	Config   *config.Config
	Auth     *auth.Service
	Audit    *audit.Service
	Relay    *chat.Relay
	Turns    repository.TurnStore
	Sessions repository.SessionRepository
	Gatherer prometheus.Gatherer
	Logger   *logrus.Logger
}

// SetupRoutes configures all routes
func SetupRoutes(app *fiber.App, d Deps) {
	cookie := handlers.CookieConfig{
		Name:   d.Config.Auth.CookieName,
		TTL:    d.Config.Auth.TokenTTL,
		Secure: d.Config.Auth.SecureCookie,
	}
	chatHandler := handlers.NewChatHandler(d.Relay, d.Turns, cookie.Name, d.Config.Server.StreamWriteTimeout, d.Logger)

	// ========================================
	// Public routes
	// ========================================

	app.Get("/healthz", handlers.Health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))

	api := app.Group("/api")

	authGroup := api.Group("/auth")
	authGroup.Post("/login", middleware.AuthRateLimit(d.Config.Server.LoginRateLimit), handlers.Login(d.Auth, d.Audit, cookie, d.Logger))
	authGroup.Post("/logout", handlers.Logout(d.Auth, d.Audit, cookie))

	// The relay authenticates chat requests itself so that rejected
	// exchanges are counted like any other outcome. Nothing may answer before
	// it does, so this route carries no limiter.
	api.Post("/chat", chatHandler.Stream)

	// ========================================
	// Protected routes
	// ========================================

	protected := api.Group("", middleware.AuthRequired(d.Auth, cookie.Name))

	protected.Get("/chat", chatHandler.History)

	protected.Get("/sessions", handlers.GetSessions(d.Sessions, d.Logger))
	protected.Post("/sessions", handlers.CreateSession(d.Sessions, d.Audit, d.Logger))
	protected.Put("/sessions/:id", handlers.UpdateSession(d.Sessions, d.Audit, d.Logger))
	protected.Delete("/sessions/:id", handlers.DeleteSession(d.Sessions, d.Audit, d.Logger))

	// ========================================
	// WebSocket routes
	// ========================================

	app.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		token := middleware.ExtractCredential(c, cookie.Name)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authentication required for WebSocket",
			})
		}
		c.Locals("credential", token)
		return c.Next()
	})

	app.Get("/ws/chat", websocket.New(chatHandler.StreamWS))
}
