package sqlstore

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/sagaler1/v-chatbot/internal/repository"
)

const sessionColumns = `id, owner_id, title, summary, last_seq, created_at, updated_at`

// SessionRepository implements repository.SessionRepository
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// EnsureSession creates the session for owner when it does not exist yet.
// A session that exists under another owner is reported as not found.
func (r *SessionRepository) EnsureSession(ctx context.Context, id, owner string) (*repository.Session, error) {
	ts := now()
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO chat_sessions (id, owner_id, title, last_seq, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT (id) DO NOTHING`), id, owner, repository.DefaultSessionTitle, ts, ts)
	if err != nil {
		return nil, storeErr("ensure session", err)
	}
	return r.Get(ctx, id, owner)
}

// Create creates a new session with a generated id
func (r *SessionRepository) Create(ctx context.Context, owner, title string) (*repository.Session, error) {
	if title == "" {
		title = repository.DefaultSessionTitle
	}
	ts := now()
	session := &repository.Session{
		ID:        uuid.New().String(),
		OwnerID:   owner,
		Title:     title,
		CreatedAt: ts,
		UpdatedAt: ts,
	}

	query := `
		INSERT INTO chat_sessions (id, owner_id, title, last_seq, created_at, updated_at)
		VALUES (:id, :owner_id, :title, 0, :created_at, :updated_at)
	`
	if _, err := r.db.NamedExecContext(ctx, query, session); err != nil {
		return nil, storeErr("create session", err)
	}
	return session, nil
}

// Get retrieves a session owned by owner
func (r *SessionRepository) Get(ctx context.Context, id, owner string) (*repository.Session, error) {
	var session repository.Session
	query := r.db.Rebind(`SELECT ` + sessionColumns + ` FROM chat_sessions WHERE id = ? AND owner_id = ?`)
	err := r.db.GetContext(ctx, &session, query, id, owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrSessionNotFound
	}
	if err != nil {
		return nil, storeErr("get session", err)
	}
	return &session, nil
}

// List returns the owner's sessions, newest first
func (r *SessionRepository) List(ctx context.Context, owner string) ([]*repository.Session, error) {
	sessions := []*repository.Session{}
	query := r.db.Rebind(`SELECT ` + sessionColumns + ` FROM chat_sessions WHERE owner_id = ? ORDER BY created_at DESC`)
	if err := r.db.SelectContext(ctx, &sessions, query, owner); err != nil {
		return nil, storeErr("list sessions", err)
	}
	return sessions, nil
}

// Rename updates the title of an owned session
func (r *SessionRepository) Rename(ctx context.Context, id, owner, title string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE chat_sessions SET title = ?, updated_at = ? WHERE id = ? AND owner_id = ?`),
		title, now(), id, owner)
	if err != nil {
		return storeErr("rename session", err)
	}
	n, err := affected(res)
	if err != nil {
		return storeErr("rename session", err)
	}
	if n == 0 {
		return repository.ErrSessionNotFound
	}
	return nil
}

// Delete removes the session and all of its turns
func (r *SessionRepository) Delete(ctx context.Context, id, owner string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr("delete session", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM messages WHERE session_id = ? AND owner_id = ?`), id, owner); err != nil {
		return storeErr("delete session", err)
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM chat_sessions WHERE id = ? AND owner_id = ?`), id, owner)
	if err != nil {
		return storeErr("delete session", err)
	}
	n, err := affected(res)
	if err != nil {
		return storeErr("delete session", err)
	}
	if n == 0 {
		return repository.ErrSessionNotFound
	}

	if err := tx.Commit(); err != nil {
		return storeErr("delete session", err)
	}
	return nil
}
