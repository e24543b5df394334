package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sagaler1/v-chatbot/internal/models"
	"github.com/sagaler1/v-chatbot/internal/repository"
	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event
type EventType string

const (
	EventLogin         EventType = "user.login"
	EventLoginFailed   EventType = "user.login_failed"
	EventLogout        EventType = "user.logout"
	EventSessionCreate EventType = "session.create"
	EventSessionRename EventType = "session.rename"
	EventSessionDelete EventType = "session.delete"
)

// Event represents an audit event
type Event struct {
	ID         string                 `json:"id"`
	EventType  EventType              `json:"event_type"`
	UserID     *string                `json:"user_id,omitempty"`
	IPAddress  string                 `json:"ip_address,omitempty"`
	UserAgent  string                 `json:"user_agent,omitempty"`
	Resource   string                 `json:"resource,omitempty"`
	ResourceID *string                `json:"resource_id,omitempty"`
	Result     string                 `json:"result,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Service writes audit events to the audit_logs table.
type Service struct {
	repo    repository.AuditLogRepository
	logger  *logrus.Logger
	timeout time.Duration
}

// NewService creates a new audit service
func NewService(repo repository.AuditLogRepository, logger *logrus.Logger) *Service {
	return &Service{
		repo:    repo,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

// Log records an audit event
func (s *Service) Log(ctx context.Context, event *Event) error {
	entry := &models.AuditLog{
		ID:           event.ID,
		UserID:       event.UserID,
		Action:       string(event.EventType),
		ResourceType: event.Resource,
		ResourceID:   event.ResourceID,
		IPAddress:    event.IPAddress,
		UserAgent:    event.UserAgent,
		Metadata:     models.JSONB(event.Metadata),
		Status:       event.Result,
		CreatedAt:    event.CreatedAt,
	}
	return s.repo.Log(ctx, entry)
}

// Record writes the event and logs a failure instead of returning it. The
// write is detached from ctx so a client hanging up does not lose the entry.
func (s *Service) Record(ctx context.Context, event *Event) {
	if s == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if err := s.Log(writeCtx, event); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"event": event.EventType,
			"user":  derefOrEmpty(event.UserID),
		}).Warn("Failed to write audit log")
	}
}

// GetUserEvents retrieves audit events for a specific user
func (s *Service) GetUserEvents(ctx context.Context, userID string, limit int) ([]*Event, error) {
	logs, err := s.repo.GetByUserID(ctx, userID, limit)
	if err != nil {
		return nil, err
	}

	events := make([]*Event, len(logs))
	for i, log := range logs {
		events[i] = &Event{
			ID:         log.ID,
			EventType:  EventType(log.Action),
			UserID:     log.UserID,
			IPAddress:  log.IPAddress,
			UserAgent:  log.UserAgent,
			Resource:   log.ResourceType,
			ResourceID: log.ResourceID,
			Result:     log.Status,
			Metadata:   map[string]interface{}(log.Metadata),
			CreatedAt:  log.CreatedAt,
		}
	}
	return events, nil
}

// NewEvent builds an event with a fresh ID and timestamp.
func NewEvent(eventType EventType, userID *string, ipAddress, userAgent string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		EventType: eventType,
		UserID:    userID,
		IPAddress: ipAddress,
		UserAgent: userAgent,
		Result:    "success",
		CreatedAt: time.Now().UTC(),
		Metadata:  make(map[string]interface{}),
	}
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
