package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/bonzainsights/mragent/internal/llm"
)

// ErrChatNotFound is returned when a chat id has no archived messages.
var ErrChatNotFound = errors.New("chat not found")

// titleChars bounds the chat title derived from the first user message.
const titleChars = 80

// ArchivedMessage is one persisted conversation message.
type ArchivedMessage struct {
	ID        string      `json:"id"`
	ChatID    string      `json:"chat_id"`
	Seq       int         `json:"seq"`
	Timestamp time.Time   `json:"timestamp"`
	Message   llm.Message `json:"message"`
}

// Chat describes one archived conversation.
type Chat struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// ArchiveStore persists the full history of every chat to SQLite. The
// active window forgets; the archive does not. All public methods are
// safe for concurrent use (SQLite serializes writes).
type ArchiveStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewArchiveStore opens (creating if needed) the archive at dbPath.
func NewArchiveStore(dbPath string) (*ArchiveStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}

	s := &ArchiveStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate archive schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *ArchiveStore) Close() error {
	return s.db.Close()
}

func (s *ArchiveStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chats (
		id         TEXT PRIMARY KEY,
		title      TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id           TEXT PRIMARY KEY,
		chat_id      TEXT NOT NULL,
		seq          INTEGER NOT NULL,
		timestamp    TEXT NOT NULL,
		role         TEXT NOT NULL,
		content      TEXT NOT NULL,
		parts        TEXT,
		tool_calls   TEXT,
		tool_call_id TEXT,
		FOREIGN KEY (chat_id) REFERENCES chats(id) ON DELETE CASCADE
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_chat_messages_seq ON chat_messages(chat_id, seq);
	CREATE INDEX IF NOT EXISTS idx_chats_updated ON chats(updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// NewChatID returns a fresh, time-ordered chat identifier.
func NewChatID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Save appends msg to chatID, creating the chat on first use. The
// first user message becomes the chat title.
func (s *ArchiveStore) Save(ctx context.Context, chatID string, msg llm.Message) error {
	if chatID == "" {
		return fmt.Errorf("save message: empty chat id")
	}

	var partsJSON, callsJSON sql.NullString
	if len(msg.Parts) > 0 {
		data, err := json.Marshal(msg.Parts)
		if err != nil {
			return fmt.Errorf("marshal parts: %w", err)
		}
		partsJSON = sql.NullString{String: string(data), Valid: true}
	}
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		callsJSON = sql.NullString{String: string(data), Valid: true}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate message ID: %w", err)
	}
	ts := s.now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chats (id, title, created_at, updated_at) VALUES (?, '', ?, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		chatID, ts, ts,
	); err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}

	if msg.Role == llm.RoleUser {
		if _, err := tx.ExecContext(ctx,
			`UPDATE chats SET title = ? WHERE id = ? AND title = ''`,
			title(msg.Text()), chatID,
		); err != nil {
			return fmt.Errorf("set chat title: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_messages (id, chat_id, seq, timestamp, role, content, parts, tool_calls, tool_call_id)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM chat_messages WHERE chat_id = ?), ?, ?, ?, ?, ?, ?)`,
		id.String(), chatID, chatID, ts, msg.Role, msg.Content, partsJSON, callsJSON, msg.ToolCallID,
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	return tx.Commit()
}

// Messages returns every message archived for chatID in order.
func (s *ArchiveStore) Messages(ctx context.Context, chatID string) ([]ArchivedMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seq, timestamp, role, content, parts, tool_calls, tool_call_id
		 FROM chat_messages WHERE chat_id = ? ORDER BY seq`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []ArchivedMessage
	for rows.Next() {
		var (
			am         ArchivedMessage
			ts         string
			parts      sql.NullString
			calls      sql.NullString
			toolCallID sql.NullString
		)
		if err := rows.Scan(&am.ID, &am.Seq, &ts, &am.Message.Role, &am.Message.Content, &parts, &calls, &toolCallID); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		am.ChatID = chatID
		am.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		am.Message.ToolCallID = toolCallID.String
		if parts.Valid {
			if err := json.Unmarshal([]byte(parts.String), &am.Message.Parts); err != nil {
				return nil, fmt.Errorf("decode parts: %w", err)
			}
		}
		if calls.Valid {
			if err := json.Unmarshal([]byte(calls.String), &am.Message.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		out = append(out, am)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrChatNotFound
	}
	return out, nil
}

// Chats lists archived chats, most recently updated first. A limit of
// zero or less returns all of them.
func (s *ArchiveStore) Chats(ctx context.Context, limit int) ([]Chat, error) {
	q := `SELECT c.id, c.title, c.created_at, c.updated_at,
			(SELECT COUNT(*) FROM chat_messages m WHERE m.chat_id = c.id)
		  FROM chats c ORDER BY c.updated_at DESC, c.id DESC`
	args := []any{}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		var (
			c                Chat
			created, updated string
		)
		if err := rows.Scan(&c.ID, &c.Title, &created, &updated, &c.MessageCount); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

// title collapses whitespace and trims text to a one-line title.
func title(text string) string {
	t := strings.Join(strings.Fields(text), " ")
	if r := []rune(t); len(r) > titleChars {
		t = string(r[:titleChars]) + "..."
	}
	return t
}
