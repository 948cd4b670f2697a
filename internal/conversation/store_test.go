package conversation

import (
	"testing"

	"github.com/ntheanh201/vibesdk/internal/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore("")
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func msg(id, content string) core.ConversationMessage {
	return core.ConversationMessage{ConversationID: id, Role: core.RoleAssistant, Content: content}
}

func TestAdd_ReplacesByConversationID(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Add("sess", msg("c1", "partial")); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := s.Add("sess", msg("c2", "other")); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	// Streaming update: same id replaces in place.
	if err := s.Add("sess", msg("c1", "complete")); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	h, err := s.Get("sess")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(h.Running) != 2 {
		t.Fatalf("Running length = %d, want 2", len(h.Running))
	}
	if h.Running[0].ConversationID != "c1" || h.Running[0].Content != "complete" {
		t.Errorf("Running[0] = %+v, want c1 replaced in place", h.Running[0])
	}
	if len(h.Full) != 2 {
		t.Errorf("Full length = %d, want 2", len(h.Full))
	}
}

func TestGet_FallbackMigration(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	// Simulate a pre-split session: only the full history exists.
	if err := s.Set("old", Histories{Full: []core.ConversationMessage{msg("c1", "hello")}}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	// Set writes both stores, so clear the compact one the hard way.
	if _, err := s.db.Exec(`DELETE FROM compact_conversations WHERE id = 'old'`); err != nil {
		t.Fatalf("delete error = %v", err)
	}

	h, err := s.Get("old")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(h.Running) != 1 || h.Running[0].Content != "hello" {
		t.Errorf("Running should fall back to full history, got %+v", h.Running)
	}
}

func TestGet_DedupsSurvivingDuplicates(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	dupes := []core.ConversationMessage{msg("c1", "first"), msg("c1", "second"), msg("c2", "x")}
	if err := s.Set("sess", Histories{Running: dupes, Full: dupes}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	h, err := s.Get("sess")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(h.Running) != 2 {
		t.Fatalf("Running length = %d, want 2 after dedup", len(h.Running))
	}
	if h.Running[0].Content != "second" {
		t.Errorf("dedup should keep the last occurrence, got %q", h.Running[0].Content)
	}
}

func TestClear(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Add("sess", msg("c1", "x")); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := s.Clear("sess"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	h, err := s.Get("sess")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(h.Running) != 0 || len(h.Full) != 0 {
		t.Errorf("histories should be empty after Clear, got %+v", h)
	}
}
