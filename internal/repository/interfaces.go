package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sagaler1/v-chatbot/internal/models"
)

// DefaultSessionTitle is the title of a session nobody has named yet.
const DefaultSessionTitle = "New Chat"

// Role is the author of a persisted turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var (
	// ErrSessionNotFound is returned for sessions that do not exist or belong to another owner.
	ErrSessionNotFound = errors.New("session not found")
	// ErrUserNotFound is returned when no user matches the lookup.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidRole is returned when a turn is appended with a role other than user or assistant.
	ErrInvalidRole = errors.New("invalid turn role")
)

// StoreError wraps a failure of the underlying database.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Session represents a chat session
type Session struct {
	ID        string         `db:"id" json:"id"`
	OwnerID   string         `db:"owner_id" json:"-"`
	Title     string         `db:"title" json:"title"`
	Summary   sql.NullString `db:"summary" json:"-"`
	LastSeq   int64          `db:"last_seq" json:"-"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt time.Time      `db:"updated_at" json:"updated_at"`
}

// Turn is one persisted message of a session. Seq is assigned by the store
// and is strictly increasing within a session.
type Turn struct {
	ID        string    `db:"id" json:"id"`
	SessionID string    `db:"session_id" json:"session_id"`
	OwnerID   string    `db:"owner_id" json:"-"`
	Seq       int64     `db:"seq" json:"seq"`
	Role      Role      `db:"role" json:"role"`
	Content   string    `db:"content" json:"content"`
	Model     string    `db:"model" json:"model"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// TurnStore persists the turns of a session together with its title and
// rolling summary. Every write has committed when the call returns.
type TurnStore interface {
	AppendTurn(ctx context.Context, sessionID, owner string, role Role, content, model string) (string, error)
	CountTurns(ctx context.Context, sessionID string) (int, error)
	ListTurns(ctx context.Context, sessionID, owner string) ([]Turn, error)
	GetSummary(ctx context.Context, sessionID string) (*string, error)
	SetSummary(ctx context.Context, sessionID, text string) error
	SetTitle(ctx context.Context, sessionID, title string) error
}

// SessionRepository defines session storage operations
type SessionRepository interface {
	EnsureSession(ctx context.Context, id, owner string) (*Session, error)
	Create(ctx context.Context, owner, title string) (*Session, error)
	Get(ctx context.Context, id, owner string) (*Session, error)
	List(ctx context.Context, owner string) ([]*Session, error)
	Rename(ctx context.Context, id, owner, title string) error
	Delete(ctx context.Context, id, owner string) error
}

// UserRepository defines user storage operations
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
}

// AuditLogRepository persists audit entries.
type AuditLogRepository interface {
	Log(ctx context.Context, entry *models.AuditLog) error
	GetByUserID(ctx context.Context, userID string, limit int) ([]*models.AuditLog, error)
}
