package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sagaler1/v-chatbot/internal/api/middleware"
	"github.com/sagaler1/v-chatbot/internal/audit"
	"github.com/sagaler1/v-chatbot/internal/auth"
	"github.com/sirupsen/logrus"
)

// LoginRequest represents a login request
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// UserResponse represents a user in API responses
type UserResponse struct {
	Username string `json:"username"`
}

// CookieConfig describes the auth cookie set on login.
type CookieConfig struct {
	Name   string
	TTL    time.Duration
	Secure bool
}

// Login handles user login
func Login(authService *auth.Service, auditService *audit.Service, cookie CookieConfig, logger *logrus.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req LoginRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}

		if req.Username == "" || req.Password == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Username and password are required",
			})
		}

		user, token, err := authService.Login(c.UserContext(), req.Username, req.Password)
		if err != nil {
			event := audit.NewEvent(audit.EventLoginFailed, nil, c.IP(), c.Get(fiber.HeaderUserAgent))
			event.Resource = "auth"
			event.Result = "failure"
			event.Metadata["username"] = req.Username
			auditService.Record(c.UserContext(), event)

			// Don't reveal whether the user exists
			if errors.Is(err, auth.ErrInvalidCredentials) {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Invalid username or password",
				})
			}
			logger.WithError(err).Error("Login failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Login failed",
			})
		}

		event := audit.NewEvent(audit.EventLogin, &user.ID, c.IP(), c.Get(fiber.HeaderUserAgent))
		event.Resource = "auth"
		auditService.Record(c.UserContext(), event)

		c.Cookie(&fiber.Cookie{
			Name:     cookie.Name,
			Value:    token,
			Path:     "/",
			Expires:  time.Now().Add(cookie.TTL),
			HTTPOnly: true,
			Secure:   cookie.Secure,
			SameSite: fiber.CookieSameSiteStrictMode,
		})

		return c.JSON(fiber.Map{
			"success": true,
			"user":    UserResponse{Username: user.Username},
		})
	}
}

// Logout clears the auth cookie. It does not require a valid token.
func Logout(authService *auth.Service, auditService *audit.Service, cookie CookieConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if token := middleware.ExtractCredential(c, cookie.Name); token != "" {
			if identity, err := authService.Verify(c.UserContext(), token); err == nil {
				event := audit.NewEvent(audit.EventLogout, &identity.UserID, c.IP(), c.Get(fiber.HeaderUserAgent))
				event.Resource = "auth"
				auditService.Record(c.UserContext(), event)
			}
		}

		c.Cookie(&fiber.Cookie{
			Name:     cookie.Name,
			Value:    "",
			Path:     "/",
			Expires:  time.Now().Add(-time.Hour),
			HTTPOnly: true,
			Secure:   cookie.Secure,
			SameSite: fiber.CookieSameSiteStrictMode,
		})

		return c.JSON(fiber.Map{
			"message": "Logged out successfully",
		})
	}
}
