package handlers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sagaler1/v-chatbot/internal/api/middleware"
	"github.com/sagaler1/v-chatbot/internal/chat"
	"github.com/sagaler1/v-chatbot/internal/repository"
	"github.com/sirupsen/logrus"
)

// ChatHandler serves chat exchanges over streamed HTTP and WebSocket.
type ChatHandler struct {
	relay        *chat.Relay
	turns        repository.TurnStore
	cookieName   string
	writeTimeout time.Duration
	logger       *logrus.Logger
}

func NewChatHandler(relay *chat.Relay, turns repository.TurnStore, cookieName string, writeTimeout time.Duration, logger *logrus.Logger) *ChatHandler {
	if writeTimeout <= 0 {
		writeTimeout = 15 * time.Second
	}
	return &ChatHandler{
		relay:        relay,
		turns:        turns,
		cookieName:   cookieName,
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// HistoryItem is one turn as returned by GET /api/chat.
type HistoryItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Model   string `json:"model"`
}

// Stream handles POST /api/chat. The answer is written as a plain text body,
// chunk by chunk, as the model produces it.
func (h *ChatHandler) Stream(c *fiber.Ctx) error {
	credential := middleware.ExtractCredential(c, h.cookieName)

	var req chat.Request
	if err := c.BodyParser(&req); err != nil {
		// Authentication is still reported first.
		if _, verr := h.relay.Verifier.Verify(c.UserContext(), credential); verr != nil {
			return writeChatError(c, chat.ErrUnauthorized)
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	req.Transport = "http"

	exchange, err := h.relay.Open(c.UserContext(), credential, req)
	if err != nil {
		return writeChatError(c, err)
	}

	body := newStreamBody(h.writeTimeout)
	c.Set(fiber.HeaderContentType, "text/plain; charset=utf-8")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set("X-Accel-Buffering", "no")
	c.Context().SetBodyStream(readCloser{body}, -1)

	go func() {
		if err := exchange.Stream(body); err != nil {
			h.logger.WithError(err).WithField("session_id", req.SessionID).Debug("Chat stream ended early")
		}
	}()
	return nil
}

// History handles GET /api/chat?sessionId=.
func (h *ChatHandler) History(c *fiber.Ctx) error {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		return err
	}

	sessionID := strings.TrimSpace(c.Query("sessionId"))
	if sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "sessionId is required",
		})
	}

	turns, err := h.turns.ListTurns(c.UserContext(), sessionID, userID)
	if err != nil {
		h.logger.WithError(err).WithField("session_id", sessionID).Error("Failed to list turns")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load history",
		})
	}

	items := make([]HistoryItem, len(turns))
	for i, t := range turns {
		items[i] = HistoryItem{Role: string(t.Role), Content: t.Content, Model: t.Model}
	}
	return c.JSON(items)
}

// StreamWS handles /ws/chat. The first frame carries the request as JSON;
// every following frame sent by the server is one chunk of the answer. The
// connection closes with 1000 on success and 1011 when the stream failed or
// was cut short.
func (h *ChatHandler) StreamWS(conn *websocket.Conn) {
	defer conn.Close()

	credential, _ := conn.Locals("credential").(string)

	var req chat.Request
	if err := conn.ReadJSON(&req); err != nil {
		h.closeWS(conn, websocket.CloseUnsupportedData, "invalid request")
		return
	}
	req.Transport = "websocket"

	exchange, err := h.relay.Open(context.Background(), credential, req)
	if err != nil {
		status, message := chatErrorStatus(err)
		_ = conn.WriteJSON(fiber.Map{"error": message, "status": status})
		code := websocket.CloseInternalServerErr
		switch status {
		case fiber.StatusUnauthorized, fiber.StatusNotFound:
			code = websocket.ClosePolicyViolation
		case fiber.StatusBadRequest:
			code = websocket.CloseUnsupportedData
		case fiber.StatusServiceUnavailable:
			code = websocket.CloseGoingAway
		}
		h.closeWS(conn, code, message)
		return
	}

	if err := exchange.Stream(&wsSink{conn: conn, timeout: h.writeTimeout}); err != nil {
		h.logger.WithError(err).WithField("session_id", req.SessionID).Debug("WebSocket stream ended early")
	}
}

func (h *ChatHandler) closeWS(conn *websocket.Conn, code int, text string) {
	deadline := time.Now().Add(h.writeTimeout)
	if err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline); err != nil {
		h.logger.WithError(err).Debug("Failed to send close frame")
	}
}

// wsSink forwards chunks as text frames.
type wsSink struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func (s *wsSink) Write(chunk string) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, []byte(chunk))
}

func (s *wsSink) Close(err error) {
	code, text := websocket.CloseNormalClosure, ""
	if err != nil {
		code, text = websocket.CloseInternalServerErr, "stream failed"
	}
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(s.timeout))
}

// chatErrorStatus maps an Open failure to an HTTP status and a message safe
// to show the client.
func chatErrorStatus(err error) (int, string) {
	var upstream *chat.UpstreamError
	switch {
	case errors.Is(err, chat.ErrUnauthorized):
		return fiber.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, chat.ErrBadRequest):
		return fiber.StatusBadRequest, err.Error()
	case errors.Is(err, repository.ErrSessionNotFound):
		return fiber.StatusNotFound, "Session not found"
	case errors.Is(err, chat.ErrShuttingDown):
		return fiber.StatusServiceUnavailable, "Server is shutting down"
	case errors.As(err, &upstream):
		return fiber.StatusBadGateway, "The model provider failed to respond"
	default:
		return fiber.StatusInternalServerError, "Internal server error"
	}
}

func writeChatError(c *fiber.Ctx, err error) error {
	status, message := chatErrorStatus(err)
	return c.Status(status).JSON(fiber.Map{
		"error": message,
	})
}
