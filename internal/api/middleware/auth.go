package middleware

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sagaler1/v-chatbot/internal/auth"
	"github.com/sagaler1/v-chatbot/internal/models"
)

// Verifier resolves a credential into the caller identity.
type Verifier interface {
	Verify(ctx context.Context, credential string) (*models.Identity, error)
}

// ExtractCredential returns the token of the request: the auth cookie first,
// then an Authorization bearer header, then a token query parameter (used by
// browser WebSocket clients, which cannot set headers).
func ExtractCredential(c *fiber.Ctx, cookieName string) string {
	if token := c.Cookies(cookieName); token != "" {
		return token
	}
	if token := auth.ExtractTokenFromBearer(c.Get(fiber.HeaderAuthorization)); token != "" {
		return token
	}
	return strings.TrimSpace(c.Query("token"))
}

// AuthRequired rejects requests without a valid credential and stores the
// caller identity in the context.
func AuthRequired(verifier Verifier, cookieName string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := ExtractCredential(c, cookieName)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authentication required",
			})
		}

		identity, err := verifier.Verify(c.UserContext(), token)
		if err != nil || identity == nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		storeUserContext(c, identity, token)
		return c.Next()
	}
}

func storeUserContext(c *fiber.Ctx, identity *models.Identity, token string) {
	c.Locals("user_id", identity.UserID)
	c.Locals("user_username", identity.Username)
	c.Locals("credential", token)
	c.Locals("user_context", identity)
}

// GetUserContext retrieves the user context from the fiber context
func GetUserContext(c *fiber.Ctx) *models.Identity {
	if ctx := c.Locals("user_context"); ctx != nil {
		if identity, ok := ctx.(*models.Identity); ok {
			return identity
		}
	}
	return nil
}

// GetCredential returns the raw token the request was authenticated with.
func GetCredential(c *fiber.Ctx) string {
	if v, ok := c.Locals("credential").(string); ok {
		return v
	}
	return ""
}

// GetUserID retrieves the user ID from the fiber context
func GetUserID(c *fiber.Ctx) (string, error) {
	if id, ok := c.Locals("user_id").(string); ok && id != "" {
		return id, nil
	}
	return "", fiber.NewError(fiber.StatusUnauthorized, "User not authenticated")
}
