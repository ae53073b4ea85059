package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/Prismer-AI/roomsync"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS conversations (
  id         TEXT PRIMARY KEY,
  title      TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS conversation_members (
  conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
  participant_id  TEXT NOT NULL,
  PRIMARY KEY (conversation_id, participant_id)
);
`,
	`
CREATE TABLE IF NOT EXISTS messages (
  id              TEXT PRIMARY KEY,
  client_id       TEXT NOT NULL DEFAULT '',
  conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
  sender_id       TEXT NOT NULL,
  content         TEXT NOT NULL,
  created_at      INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_conversation_time
ON messages (conversation_id, created_at);
`,
	`
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client_id
ON messages (conversation_id, client_id) WHERE client_id != '';
`,
	`
CREATE INDEX IF NOT EXISTS idx_members_participant
ON conversation_members (participant_id);
`,
}

// SQLStore persists conversations and messages in SQLite.
type SQLStore struct {
	db        *sql.DB
	now       func() time.Time
	closeOnce sync.Once
}

// OpenSQLStore opens (or creates) the database at path and runs migrations.
// An empty path or ":memory:" opens a private in-memory database.
func OpenSQLStore(path string) (*SQLStore, error) {
	memory := path == "" || path == ":memory:"
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(path))
	if memory {
		dsn = "file::memory:?_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if memory {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	s := &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if !memory {
		if err := s.enableWALMode(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := s.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.db.Close() })
	return err
}

func (s *SQLStore) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

// ── Conversations ────────────────────────────────────────

// CreateConversation stores a conversation with its members.
func (s *SQLStore) CreateConversation(ctx context.Context, opts roomsync.CreateConversationOptions) (*roomsync.Conversation, error) {
	c := &roomsync.Conversation{
		ID:        uuid.NewString(),
		Title:     opts.Title,
		Members:   dedupe(opts.Members),
		CreatedAt: s.now(),
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO conversations (id, title, created_at) VALUES (?, ?, ?)`,
		c.ID, c.Title, c.CreatedAt.UnixNano()); err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	for _, m := range c.Members {
		if _, err := tx.ExecContext(ctx, `INSERT INTO conversation_members (conversation_id, participant_id) VALUES (?, ?)`,
			c.ID, m); err != nil {
			return nil, fmt.Errorf("insert member: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return c, nil
}

// Conversation returns a single conversation with its members.
func (s *SQLStore) Conversation(ctx context.Context, id string) (*roomsync.Conversation, error) {
	var c roomsync.Conversation
	var created int64
	err := s.db.QueryRowContext(ctx, `SELECT id, title, created_at FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Title, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	c.CreatedAt = time.Unix(0, created).UTC()
	if c.Members, err = s.members(ctx, id); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns the conversations participantID is a member of.
// Conversations without members are open to everyone and always listed.
func (s *SQLStore) ListConversations(ctx context.Context, participantID string) ([]roomsync.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT c.id, c.title, c.created_at FROM conversations c
WHERE EXISTS (SELECT 1 FROM conversation_members m WHERE m.conversation_id = c.id AND m.participant_id = ?)
   OR NOT EXISTS (SELECT 1 FROM conversation_members m WHERE m.conversation_id = c.id)
ORDER BY c.created_at, c.id`, participantID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []roomsync.Conversation
	for rows.Next() {
		var c roomsync.Conversation
		var created int64
		if err := rows.Scan(&c.ID, &c.Title, &created); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Members, err = s.members(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CountConversations returns the number of stored conversations.
func (s *SQLStore) CountConversations(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count conversations: %w", err)
	}
	return n, nil
}

// CanAccess reports whether participantID may read and write conversationID.
func (s *SQLStore) CanAccess(ctx context.Context, conversationID, participantID string) error {
	c, err := s.Conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if len(c.Members) == 0 {
		return nil
	}
	for _, m := range c.Members {
		if m == participantID {
			return nil
		}
	}
	return ErrForbidden
}

func (s *SQLStore) members(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT participant_id FROM conversation_members WHERE conversation_id = ? ORDER BY participant_id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ── Messages ─────────────────────────────────────────────

const messageColumns = `id, client_id, conversation_id, sender_id, content, created_at`

func scanMessage(row interface{ Scan(...any) error }) (roomsync.Message, error) {
	var m roomsync.Message
	var created int64
	if err := row.Scan(&m.ID, &m.ClientID, &m.ConversationID, &m.SenderID, &m.Content, &created); err != nil {
		return m, err
	}
	m.CreatedAt = time.Unix(0, created).UTC()
	return m, nil
}

// Query returns the history of conversationID in ascending CreatedAt order.
func (s *SQLStore) Query(ctx context.Context, conversationID string) ([]roomsync.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY created_at, rowid`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	out := []roomsync.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Insert stores a draft. A retried draft with an already stored ClientID
// returns the stored message and created=false.
func (s *SQLStore) Insert(ctx context.Context, d roomsync.Draft) (m *roomsync.Message, created bool, err error) {
	if d.ClientID != "" {
		existing, err := s.byClientID(ctx, d.ConversationID, d.ClientID)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("lookup client id: %w", err)
		}
	}
	msg := roomsync.Message{
		ID:             uuid.NewString(),
		ClientID:       d.ClientID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Content:        d.Content,
		CreatedAt:      s.now(),
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ClientID, msg.ConversationID, msg.SenderID, msg.Content, msg.CreatedAt.UnixNano())
	if err != nil {
		// A concurrent retry of the same draft won the unique index.
		if d.ClientID != "" && isUniqueViolation(err) {
			existing, lookupErr := s.byClientID(ctx, d.ConversationID, d.ClientID)
			if lookupErr == nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("insert message: %w", err)
	}
	return &msg, true, nil
}

func (s *SQLStore) byClientID(ctx context.Context, conversationID, clientID string) (*roomsync.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND client_id = ?`, conversationID, clientID)
	m, err := scanMessage(row)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// Message returns a stored message.
func (s *SQLStore) Message(ctx context.Context, conversationID, id string) (*roomsync.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND id = ?`, conversationID, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query message: %w", err)
	}
	return &m, nil
}

// Edit replaces the content of a message.
func (s *SQLStore) Edit(ctx context.Context, conversationID, id, content string) (*roomsync.Message, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET content = ? WHERE conversation_id = ? AND id = ?`, content, conversationID, id)
	if err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.Message(ctx, conversationID, id)
}

// Delete removes a message.
func (s *SQLStore) Delete(ctx context.Context, conversationID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ? AND id = ?`, conversationID, id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
