// Package history is the client-local conversation cache, backed by an
// embedded DuckDB database. It lets the editor reopen recent conversations
// and render their transcripts without a round trip to the backend.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/rs/zerolog"

	"github.com/storyloom/storyloom/internal/constants"
	"github.com/storyloom/storyloom/internal/convosvc"
	sterrors "github.com/storyloom/storyloom/internal/errors"
	"github.com/storyloom/storyloom/internal/transcript"
)

// Store caches conversations and their transcripts on local disk.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
	mu  sync.RWMutex
}

// Open opens (or creates) the history database at path. An empty path
// resolves to the default location under the user's home directory.
func Open(path string, log zerolog.Logger) (*Store, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		path = filepath.Join(home, constants.DefaultDir, constants.DefaultHistoryDatabase)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	s := &Store{
		db:  db,
		log: log.With().Str("component", "history").Logger(),
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id               TEXT PRIMARY KEY,
			title            TEXT NOT NULL,
			status           TEXT NOT NULL,
			last_activity_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			conversation_id TEXT NOT NULL,
			seq             INTEGER NOT NULL,
			id              TEXT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT,
			reasoning       TEXT,
			tool_calls      JSON,
			tool_call_id    TEXT,
			interrupted     BOOLEAN DEFAULT false,
			created_at      TIMESTAMP NOT NULL,
			PRIMARY KEY (conversation_id, seq)
		);

		-- Index for the conversation list, newest first.
		CREATE INDEX IF NOT EXISTS idx_conversations_activity
		ON conversations(last_activity_at DESC);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create history schema: %w", err)
	}
	s.log.Debug().Msg("history schema initialized")
	return nil
}

// SaveConversation upserts a conversation record.
func (s *Store) SaveConversation(ctx context.Context, conv convosvc.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO conversations (id, title, status, last_activity_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			status = excluded.status,
			last_activity_at = excluded.last_activity_at
	`
	if _, err := s.db.ExecContext(ctx, query, conv.ID, conv.Title, string(conv.Status), conv.LastActivityAt); err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

// ListConversations returns cached conversations, most recently active first.
func (s *Store) ListConversations(ctx context.Context) ([]convosvc.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, status, last_activity_at
		FROM conversations
		ORDER BY last_activity_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer sterrors.DeferClose(s.log, rows, "failed to close conversation rows")

	var convs []convosvc.Conversation
	for rows.Next() {
		var conv convosvc.Conversation
		var status string
		if err := rows.Scan(&conv.ID, &conv.Title, &status, &conv.LastActivityAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conv.Status = convosvc.Status(status)
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// SaveTranscript replaces the cached transcript for a conversation. Only
// the most recent messages are kept, bounded by the per-conversation cap.
func (s *Store) SaveTranscript(ctx context.Context, conversationID string, msgs []transcript.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(msgs) > constants.HistoryMessageCap {
		msgs = msgs[len(msgs)-constants.HistoryMessageCap:]
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sterrors.DeferRollback(s.log, tx)

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("failed to clear cached transcript: %w", err)
	}

	insert := `
		INSERT INTO messages (
			conversation_id, seq, id, role, content, reasoning,
			tool_calls, tool_call_id, interrupted, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for seq, msg := range msgs {
		toolCallsJSON := []byte("[]")
		if len(msg.ToolCalls) > 0 {
			toolCallsJSON, err = json.Marshal(msg.ToolCalls)
			if err != nil {
				return fmt.Errorf("failed to encode tool calls: %w", err)
			}
		}
		createdAt := msg.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, insert,
			conversationID, seq, msg.ID, string(msg.Role), msg.Content, msg.Reasoning,
			string(toolCallsJSON), msg.ToolCallID, msg.Interrupted, createdAt,
		); err != nil {
			return fmt.Errorf("failed to cache message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transcript: %w", err)
	}
	return nil
}

// LoadTranscript returns the cached transcript for a conversation in
// original order. A conversation with no cached messages returns an empty
// slice, not an error.
func (s *Store) LoadTranscript(ctx context.Context, conversationID string) ([]transcript.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, reasoning, tool_calls, tool_call_id, interrupted, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transcript: %w", err)
	}
	defer sterrors.DeferClose(s.log, rows, "failed to close message rows")

	var msgs []transcript.Message
	for rows.Next() {
		var msg transcript.Message
		var role, toolCallsJSON string
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &msg.Reasoning,
			&toolCallsJSON, &msg.ToolCallID, &msg.Interrupted, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = transcript.Role(role)
		if toolCallsJSON != "" && toolCallsJSON != "[]" {
			if err := json.Unmarshal([]byte(toolCallsJSON), &msg.ToolCalls); err != nil {
				s.log.Warn().Err(err).Str("message_id", msg.ID).Msg("discarding unreadable cached tool calls")
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// FindConversation matches a cached conversation by exact id or a unique
// id prefix.
func (s *Store) FindConversation(ctx context.Context, ref string) (convosvc.Conversation, error) {
	convs, err := s.ListConversations(ctx)
	if err != nil {
		return convosvc.Conversation{}, err
	}

	var matches []convosvc.Conversation
	for _, conv := range convs {
		if conv.ID == ref {
			return conv, nil
		}
		if strings.HasPrefix(conv.ID, ref) {
			matches = append(matches, conv)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return convosvc.Conversation{}, fmt.Errorf("no cached conversation matches %q", ref)
	default:
		return convosvc.Conversation{}, fmt.Errorf("%q matches %d conversations; use a longer prefix", ref, len(matches))
	}
}

// DeleteConversation removes a conversation and its cached transcript.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sterrors.DeferRollback(s.log, tx)

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("failed to delete cached transcript: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, conversationID); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return tx.Commit()
}

// Clear drops everything from the local cache.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages; DELETE FROM conversations;`); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}
