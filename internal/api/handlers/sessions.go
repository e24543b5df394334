package handlers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sagaler1/v-chatbot/internal/api/middleware"
	"github.com/sagaler1/v-chatbot/internal/audit"
	"github.com/sagaler1/v-chatbot/internal/repository"
	"github.com/sirupsen/logrus"
)

type sessionRequest struct {
	Title string `json:"title"`
}

const maxTitleLength = 200

// CreateSession creates a new chat session
func CreateSession(sessions repository.SessionRepository, auditService *audit.Service, logger *logrus.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userContext := middleware.GetUserContext(c)
		if userContext == nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Not authenticated",
			})
		}

		var req sessionRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid request body",
				})
			}
		}

		title := strings.TrimSpace(req.Title)
		if title == "" {
			title = repository.DefaultSessionTitle
		}
		if len(title) > maxTitleLength {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Title is too long",
			})
		}

		session, err := sessions.Create(c.UserContext(), userContext.UserID, title)
		if err != nil {
			logger.WithError(err).Error("Failed to create session")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to create session",
			})
		}

		event := audit.NewEvent(audit.EventSessionCreate, &userContext.UserID, c.IP(), c.Get(fiber.HeaderUserAgent))
		event.Resource = "session"
		event.ResourceID = &session.ID
		auditService.Record(c.UserContext(), event)

		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"id":    session.ID,
			"title": session.Title,
		})
	}
}

// GetSessions returns the caller's sessions, most recently active first
func GetSessions(sessions repository.SessionRepository, logger *logrus.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userContext := middleware.GetUserContext(c)
		if userContext == nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Not authenticated",
			})
		}

		list, err := sessions.List(c.UserContext(), userContext.UserID)
		if err != nil {
			logger.WithError(err).Error("Failed to list sessions")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to list sessions",
			})
		}

		return c.JSON(fiber.Map{
			"sessions": list,
		})
	}
}

// UpdateSession renames a session
func UpdateSession(sessions repository.SessionRepository, auditService *audit.Service, logger *logrus.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userContext := middleware.GetUserContext(c)
		if userContext == nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Not authenticated",
			})
		}

		var req sessionRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
		title := strings.TrimSpace(req.Title)
		if title == "" || len(title) > maxTitleLength {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Title must be between 1 and 200 characters",
			})
		}

		sessionID := c.Params("id")
		if err := sessions.Rename(c.UserContext(), sessionID, userContext.UserID, title); err != nil {
			return sessionError(c, err, logger, "Failed to rename session")
		}

		event := audit.NewEvent(audit.EventSessionRename, &userContext.UserID, c.IP(), c.Get(fiber.HeaderUserAgent))
		event.Resource = "session"
		event.ResourceID = &sessionID
		event.Metadata["title"] = title
		auditService.Record(c.UserContext(), event)

		return c.JSON(fiber.Map{
			"id":    sessionID,
			"title": title,
		})
	}
}

// DeleteSession deletes a session and its turns
func DeleteSession(sessions repository.SessionRepository, auditService *audit.Service, logger *logrus.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userContext := middleware.GetUserContext(c)
		if userContext == nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Not authenticated",
			})
		}

		sessionID := c.Params("id")
		if err := sessions.Delete(c.UserContext(), sessionID, userContext.UserID); err != nil {
			return sessionError(c, err, logger, "Failed to delete session")
		}

		event := audit.NewEvent(audit.EventSessionDelete, &userContext.UserID, c.IP(), c.Get(fiber.HeaderUserAgent))
		event.Resource = "session"
		event.ResourceID = &sessionID
		auditService.Record(c.UserContext(), event)

		return c.SendStatus(fiber.StatusNoContent)
	}
}

func sessionError(c *fiber.Ctx, err error, logger *logrus.Logger, message string) error {
	if errors.Is(err, repository.ErrSessionNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Session not found",
		})
	}
	logger.WithError(err).WithField("session_id", c.Params("id")).Error(message)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": message,
	})
}
