package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a chat has no stored binding.
var ErrNotFound = errors.New("store: not found")

// previewLimit caps how much message text is kept in the audit log.
const previewLimit = 200

// ChatSession binds one Telegram chat to its active OpenCode session.
type ChatSession struct {
	ChatID    int64
	SessionID string
	Title     string
	Model     string
	UpdatedAt time.Time
}

// MessageRecord is one audit log entry.
type MessageRecord struct {
	ID        int64
	ChatID    int64
	SessionID string
	Role      string
	Preview   string
	CreatedAt time.Time
}

// ChatRepository persists chat bindings and the message audit log.
type ChatRepository struct {
	db *sql.DB
}

func newChatRepository(db *sql.DB) *ChatRepository {
	return &ChatRepository{db: db}
}

// Session returns the binding for chatID, or ErrNotFound.
func (r *ChatRepository) Session(chatID int64) (*ChatSession, error) {
	row := r.db.QueryRow(
		`SELECT chat_id, session_id, title, model, updated_at FROM chat_sessions WHERE chat_id = ?`,
		chatID,
	)

	var (
		binding   ChatSession
		updatedAt int64
	)
	err := row.Scan(&binding.ChatID, &binding.SessionID, &binding.Title, &binding.Model, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading chat binding: %w", err)
	}
	binding.UpdatedAt = time.UnixMilli(updatedAt)
	return &binding, nil
}

// SetSession binds chatID to a session, replacing any previous binding.
// The model carries over when the new binding does not name one, so a chat
// keeps its model choice across /new.
func (r *ChatRepository) SetSession(chatID int64, sessionID, title, model string) error {
	_, err := r.db.Exec(
		`INSERT INTO chat_sessions (chat_id, session_id, title, model, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET
		   session_id = excluded.session_id,
		   title      = excluded.title,
		   model      = CASE WHEN excluded.model = '' THEN chat_sessions.model ELSE excluded.model END,
		   updated_at = excluded.updated_at`,
		chatID, sessionID, title, model, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("saving chat binding: %w", err)
	}
	return nil
}

// SetModel updates the model for an existing binding.
func (r *ChatRepository) SetModel(chatID int64, model string) error {
	result, err := r.db.Exec(
		`UPDATE chat_sessions SET model = ?, updated_at = ? WHERE chat_id = ?`,
		model, time.Now().UnixMilli(), chatID,
	)
	if err != nil {
		return fmt.Errorf("saving chat model: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("saving chat model: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearSession removes the binding for chatID. Clearing an unbound chat is
// not an error.
func (r *ChatRepository) ClearSession(chatID int64) error {
	if _, err := r.db.Exec(`DELETE FROM chat_sessions WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("clearing chat binding: %w", err)
	}
	return nil
}

// ActiveChats returns every bound chat, most recently updated first.
func (r *ChatRepository) ActiveChats() ([]ChatSession, error) {
	rows, err := r.db.Query(
		`SELECT chat_id, session_id, title, model, updated_at FROM chat_sessions ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing chat bindings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var bindings []ChatSession
	for rows.Next() {
		var (
			binding   ChatSession
			updatedAt int64
		)
		if err := rows.Scan(&binding.ChatID, &binding.SessionID, &binding.Title, &binding.Model, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning chat binding: %w", err)
		}
		binding.UpdatedAt = time.UnixMilli(updatedAt)
		bindings = append(bindings, binding)
	}
	return bindings, rows.Err()
}

// LogMessage appends one entry to the audit log. Text beyond the preview
// limit is dropped; the full transcript lives on the OpenCode side.
func (r *ChatRepository) LogMessage(chatID int64, sessionID, role, text string) error {
	preview := text
	if runes := []rune(preview); len(runes) > previewLimit {
		preview = string(runes[:previewLimit])
	}
	_, err := r.db.Exec(
		`INSERT INTO message_log (chat_id, session_id, role, preview, created_at) VALUES (?, ?, ?, ?, ?)`,
		chatID, sessionID, role, preview, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("logging message: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit audit entries for chatID, newest first.
func (r *ChatRepository) RecentMessages(chatID int64, limit int) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(
		`SELECT id, chat_id, session_id, role, preview, created_at
		 FROM message_log WHERE chat_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		chatID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []MessageRecord
	for rows.Next() {
		var (
			record    MessageRecord
			createdAt int64
		)
		if err := rows.Scan(&record.ID, &record.ChatID, &record.SessionID, &record.Role, &record.Preview, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		record.CreatedAt = time.UnixMilli(createdAt)
		records = append(records, record)
	}
	return records, rows.Err()
}
