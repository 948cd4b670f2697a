// Package conversation persists the per-session message histories. Two
// stores exist per session id: the running (compacted) history used for
// inference context and the full history used for display and export.
package conversation

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/ntheanh201/vibesdk/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS full_conversations (
	id       TEXT PRIMARY KEY,
	messages TEXT
);
CREATE TABLE IF NOT EXISTS compact_conversations (
	id       TEXT PRIMARY KEY,
	messages TEXT
);
`

// Store reads and writes conversation histories. Updates are
// read-modify-write with last-writer-wins; only the owning agent writes.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenStore opens a conversation store in the given SQLite database file.
// An empty path opens an in-memory store.
func OpenStore(dbPath string) (*Store, error) {
	dsn := ":memory:"
	if dbPath != "" {
		dsn = dbPath + "?_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening conversation database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating conversation schema: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing database handle; the schema is applied
// idempotently. Used when the agent shares one SQLite file across tables.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("creating conversation schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Histories is the pair of message lists for one session.
type Histories struct {
	Running []core.ConversationMessage
	Full    []core.ConversationMessage
}

// Get loads both histories. If either is empty it falls back to the other,
// which migrates sessions recorded before the split. A final dedup pass
// removes any surviving duplicate conversation ids.
func (s *Store) Get(sessionID string) (Histories, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(sessionID)
}

func (s *Store) getLocked(sessionID string) (Histories, error) {
	running, err := s.read("compact_conversations", sessionID)
	if err != nil {
		return Histories{}, err
	}
	full, err := s.read("full_conversations", sessionID)
	if err != nil {
		return Histories{}, err
	}

	if len(running) == 0 {
		running = full
	}
	if len(full) == 0 {
		full = running
	}
	return Histories{
		Running: core.DedupMessages(running),
		Full:    core.DedupMessages(full),
	}, nil
}

// Set writes both histories back.
func (s *Store) Set(sessionID string, h Histories) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(sessionID, h)
}

func (s *Store) setLocked(sessionID string, h Histories) error {
	if err := s.write("compact_conversations", sessionID, h.Running); err != nil {
		return err
	}
	return s.write("full_conversations", sessionID, h.Full)
}

// Add inserts a message into both histories, replacing any message with
// the same conversation id (streaming update).
func (s *Store) Add(sessionID string, msg core.ConversationMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.getLocked(sessionID)
	if err != nil {
		return err
	}
	h.Running = upsert(h.Running, msg)
	h.Full = upsert(h.Full, msg)
	return s.setLocked(sessionID, h)
}

// Clear removes both histories for a session.
func (s *Store) Clear(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, table := range []string{"compact_conversations", "full_conversations"} {
		if _, err := s.db.Exec(`DELETE FROM `+table+` WHERE id = ?`, sessionID); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	return nil
}

func upsert(msgs []core.ConversationMessage, msg core.ConversationMessage) []core.ConversationMessage {
	for i := range msgs {
		if msgs[i].ConversationID == msg.ConversationID {
			msgs[i] = msg
			return msgs
		}
	}
	return append(msgs, msg)
}

func (s *Store) read(table, sessionID string) ([]core.ConversationMessage, error) {
	var raw string
	err := s.db.QueryRow(`SELECT messages FROM `+table+` WHERE id = ?`, sessionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", table, err)
	}
	if raw == "" {
		return nil, nil
	}
	var msgs []core.ConversationMessage
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil, fmt.Errorf("decoding %s for %s: %w", table, sessionID, err)
	}
	return msgs, nil
}

func (s *Store) write(table, sessionID string, msgs []core.ConversationMessage) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", table, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO `+table+` (id, messages) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET messages = excluded.messages`,
		sessionID, string(data))
	if err != nil {
		return fmt.Errorf("writing %s: %w", table, err)
	}
	return nil
}
