package sqlstore

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/sagaler1/v-chatbot/internal/repository"
)

// TurnStore implements repository.TurnStore
type TurnStore struct {
	db *sqlx.DB
}

// NewTurnStore creates a new turn store
func NewTurnStore(db *sqlx.DB) *TurnStore {
	return &TurnStore{db: db}
}

// AppendTurn allocates the next sequence number of the session and inserts
// the turn in the same transaction. The session row update serializes
// concurrent appends to one session.
func (s *TurnStore) AppendTurn(ctx context.Context, sessionID, owner string, role repository.Role, content, model string) (string, error) {
	if role != repository.RoleUser && role != repository.RoleAssistant {
		return "", repository.ErrInvalidRole
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", storeErr("append turn", err)
	}
	defer rollback(tx)

	ts := now()

	var seq int64
	err = tx.GetContext(ctx, &seq, tx.Rebind(`
		UPDATE chat_sessions SET last_seq = last_seq + 1, updated_at = ?
		WHERE id = ? AND owner_id = ?
		RETURNING last_seq`), ts, sessionID, owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", repository.ErrSessionNotFound
	}
	if err != nil {
		return "", storeErr("append turn", err)
	}

	turn := repository.Turn{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		OwnerID:   owner,
		Seq:       seq,
		Role:      role,
		Content:   content,
		Model:     model,
		CreatedAt: ts,
	}

	query := `
		INSERT INTO messages (id, session_id, owner_id, seq, role, content, model, created_at)
		VALUES (:id, :session_id, :owner_id, :seq, :role, :content, :model, :created_at)
	`
	if _, err := tx.NamedExecContext(ctx, query, turn); err != nil {
		return "", storeErr("append turn", err)
	}

	if err := tx.Commit(); err != nil {
		return "", storeErr("append turn", err)
	}
	return turn.ID, nil
}

// CountTurns returns the number of turns stored for the session.
func (s *TurnStore) CountTurns(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, s.db.Rebind(`SELECT COUNT(*) FROM messages WHERE session_id = ?`), sessionID)
	if err != nil {
		return 0, storeErr("count turns", err)
	}
	return count, nil
}

// ListTurns returns the owner's turns of a session in sequence order.
func (s *TurnStore) ListTurns(ctx context.Context, sessionID, owner string) ([]repository.Turn, error) {
	turns := []repository.Turn{}
	query := s.db.Rebind(`
		SELECT id, session_id, owner_id, seq, role, content, model, created_at
		FROM messages
		WHERE session_id = ? AND owner_id = ?
		ORDER BY seq ASC
	`)
	if err := s.db.SelectContext(ctx, &turns, query, sessionID, owner); err != nil {
		return nil, storeErr("list turns", err)
	}
	return turns, nil
}

// GetSummary returns the rolling summary, or nil when none was written yet.
func (s *TurnStore) GetSummary(ctx context.Context, sessionID string) (*string, error) {
	var summary sql.NullString
	err := s.db.GetContext(ctx, &summary, s.db.Rebind(`SELECT summary FROM chat_sessions WHERE id = ?`), sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrSessionNotFound
	}
	if err != nil {
		return nil, storeErr("get summary", err)
	}
	if !summary.Valid {
		return nil, nil
	}
	return &summary.String, nil
}

func (s *TurnStore) SetSummary(ctx context.Context, sessionID, text string) error {
	return s.updateSession(ctx, "set summary", `UPDATE chat_sessions SET summary = ?, updated_at = ? WHERE id = ?`, text, now(), sessionID)
}

func (s *TurnStore) SetTitle(ctx context.Context, sessionID, title string) error {
	return s.updateSession(ctx, "set title", `UPDATE chat_sessions SET title = ?, updated_at = ? WHERE id = ?`, title, now(), sessionID)
}

func (s *TurnStore) updateSession(ctx context.Context, op, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return storeErr(op, err)
	}
	n, err := affected(res)
	if err != nil {
		return storeErr(op, err)
	}
	if n == 0 {
		return repository.ErrSessionNotFound
	}
	return nil
}
