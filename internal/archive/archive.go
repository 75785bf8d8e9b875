// Package archive persists relayed turns beyond the rolling context
// window. The archive is write-mostly and best-effort: the dispatcher
// never consults it when building inference context (the window is the
// only context by design), and a failed write degrades to a log line.
package archive

import (
	"database/sql"
	"fmt"
	"time"
)

// Store appends relayed turns to a SQLite table.
type Store struct {
	db *sql.DB
}

// Open creates an archive store backed by the SQLite file at path,
// creating the schema if needed.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive migration: %w", err)
	}
	return s, nil
}

// NewStore creates an archive store over an existing database
// connection. Used by tests and by callers that manage the connection
// themselves.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("archive migration: %w", err)
	}
	return s, nil
}

// migrate creates the transcript table if it does not exist.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS transcript (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transcript_conversation
			ON transcript(conversation_id, id)
	`)
	return err
}

// Append records one relayed turn.
func (s *Store) Append(conversationID, role, content string) error {
	_, err := s.db.Exec(`
		INSERT INTO transcript (conversation_id, role, content, created_at)
		VALUES (?, ?, ?, ?)
	`, conversationID, role, content, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// Entry is one archived turn.
type Entry struct {
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// Recent returns the most recent n turns for a conversation, oldest
// first.
func (s *Store) Recent(conversationID string, n int) ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT conversation_id, role, content, created_at
		FROM transcript
		WHERE conversation_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var createdAt string
		if err := rows.Scan(&e.ConversationID, &e.Role, &e.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript rows: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
