package workspace

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS workspace_objects (
	oid  TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS workspace_refs (
	name   TEXT PRIMARY KEY,
	target TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS workspace_index (
	path TEXT PRIMARY KEY,
	oid  TEXT NOT NULL
);
`

// Store persists workspace objects, refs and the staging index in SQLite.
// Each agent owns its store exclusively; there is no cross-agent sharing.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// OpenStore opens (or creates) a workspace store at dbPath. An empty path
// opens an in-memory store, used by tests and the GitHub export replay.
func OpenStore(dbPath string) (*Store, error) {
	dsn := ":memory:"
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
			return nil, fmt.Errorf("creating workspace directory: %w", err)
		}
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening workspace database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating workspace schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutObject writes an object if absent and returns its oid. Objects are
// immutable, so an existing oid is left untouched.
func (s *Store) PutObject(typ ObjectType, data []byte) (string, error) {
	oid := HashObject(typ, data)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO workspace_objects (oid, type, data) VALUES (?, ?, ?) ON CONFLICT(oid) DO NOTHING`,
		oid, string(typ), data)
	if err != nil {
		return "", fmt.Errorf("writing %s object: %w", typ, err)
	}
	return oid, nil
}

// GetObject reads an object by oid.
func (s *Store) GetObject(oid string) (*Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var typ string
	var data []byte
	err := s.db.QueryRow(`SELECT type, data FROM workspace_objects WHERE oid = ?`, oid).Scan(&typ, &data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("object %s not found", oid)
	}
	if err != nil {
		return nil, fmt.Errorf("reading object %s: %w", oid, err)
	}
	return &Object{OID: oid, Type: ObjectType(typ), Data: data}, nil
}

// ListObjects streams every stored object, ordered by oid for determinism.
func (s *Store) ListObjects() ([]Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT oid, type, data FROM workspace_objects ORDER BY oid`)
	if err != nil {
		return nil, fmt.Errorf("listing objects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var objects []Object
	for rows.Next() {
		var o Object
		var typ string
		if err := rows.Scan(&o.OID, &typ, &o.Data); err != nil {
			return nil, fmt.Errorf("scanning object: %w", err)
		}
		o.Type = ObjectType(typ)
		objects = append(objects, o)
	}
	return objects, rows.Err()
}

// SetRef writes a ref (branch pointer or symbolic HEAD).
func (s *Store) SetRef(name, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO workspace_refs (name, target) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET target = excluded.target`,
		name, target)
	if err != nil {
		return fmt.Errorf("writing ref %s: %w", name, err)
	}
	return nil
}

// GetRef reads a ref. Returns empty string when the ref does not exist.
func (s *Store) GetRef(name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var target string
	err := s.db.QueryRow(`SELECT target FROM workspace_refs WHERE name = ?`, name).Scan(&target)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading ref %s: %w", name, err)
	}
	return target, nil
}

// ListRefs returns all refs.
func (s *Store) ListRefs() (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT name, target FROM workspace_refs`)
	if err != nil {
		return nil, fmt.Errorf("listing refs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	refs := make(map[string]string)
	for rows.Next() {
		var name, target string
		if err := rows.Scan(&name, &target); err != nil {
			return nil, fmt.Errorf("scanning ref: %w", err)
		}
		refs[name] = target
	}
	return refs, rows.Err()
}

// StageEntry records a staged path in the index.
func (s *Store) StageEntry(path, oid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO workspace_index (path, oid) VALUES (?, ?) ON CONFLICT(path) DO UPDATE SET oid = excluded.oid`,
		path, oid)
	if err != nil {
		return fmt.Errorf("staging %s: %w", path, err)
	}
	return nil
}

// Index returns the current staging index as path -> blob oid.
func (s *Store) Index() (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT path, oid FROM workspace_index`)
	if err != nil {
		return nil, fmt.Errorf("reading index: %w", err)
	}
	defer func() { _ = rows.Close() }()

	index := make(map[string]string)
	for rows.Next() {
		var path, oid string
		if err := rows.Scan(&path, &oid); err != nil {
			return nil, fmt.Errorf("scanning index entry: %w", err)
		}
		index[path] = oid
	}
	return index, rows.Err()
}

// ReplaceIndex rewrites the whole staging index, used by hard resets.
func (s *Store) ReplaceIndex(index map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning index rewrite: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM workspace_index`); err != nil {
		return fmt.Errorf("clearing index: %w", err)
	}
	for path, oid := range index {
		if _, err := tx.Exec(`INSERT INTO workspace_index (path, oid) VALUES (?, ?)`, path, oid); err != nil {
			return fmt.Errorf("rewriting index entry %s: %w", path, err)
		}
	}
	return tx.Commit()
}
