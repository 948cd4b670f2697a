package ws

import (
	"errors"
	"sync"
	"testing"
)

// fakeConn records writes for assertions.
type fakeConn struct {
	mu       sync.Mutex
	messages []*Message
	closed   bool
	failSend bool
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errors.New("send failed")
	}
	if m, ok := v.(*Message); ok {
		f.messages = append(f.messages, m)
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func TestBroadcast_ReachesAllConnections(t *testing.T) {
	t.Parallel()
	h := NewHub()
	a, b := &fakeConn{}, &fakeConn{}
	h.Attach(a)
	h.Attach(b)

	h.Broadcast(TypePhaseGenerating, map[string]string{"phase": "Setup"})

	if a.count() != 1 || b.count() != 1 {
		t.Errorf("broadcast counts = %d, %d, want 1, 1", a.count(), b.count())
	}
	if a.messages[0].Type != TypePhaseGenerating {
		t.Errorf("message type = %s, want %s", a.messages[0].Type, TypePhaseGenerating)
	}
}

func TestBroadcast_DetachesFailedConnections(t *testing.T) {
	t.Parallel()
	h := NewHub()
	good, bad := &fakeConn{}, &fakeConn{failSend: true}
	h.Attach(good)
	h.Attach(bad)

	h.Broadcast(TypeError, map[string]string{"error": "x"})

	if h.Count() != 1 {
		t.Errorf("Count() = %d, want 1 after failed conn detached", h.Count())
	}
	if !bad.closed {
		t.Error("failed connection should be closed")
	}
}

func TestBroadcast_ProjectUpdateAccumulator(t *testing.T) {
	t.Parallel()
	var updates []string
	h := NewHub(WithProjectUpdateSink(func(text string) { updates = append(updates, text) }))
	h.Attach(&fakeConn{})

	h.Broadcast(TypeFileGenerated, map[string]string{"filePath": "src/App.tsx"})
	h.Broadcast(TypeFileGenerating, map[string]string{"filePath": "src/App.tsx"})

	if len(updates) != 1 {
		t.Fatalf("accumulator received %d updates, want 1 (only project-update kinds)", len(updates))
	}
}

func TestDetach_RemovesAndCloses(t *testing.T) {
	t.Parallel()
	h := NewHub()
	c := &fakeConn{}
	h.Attach(c)
	h.Detach(c)

	if h.Count() != 0 {
		t.Errorf("Count() = %d, want 0", h.Count())
	}
	if !c.closed {
		t.Error("detached connection should be closed")
	}

	// Detaching twice is harmless.
	h.Detach(c)
}

func TestSend_Directed(t *testing.T) {
	t.Parallel()
	h := NewHub()
	a, b := &fakeConn{}, &fakeConn{}
	h.Attach(a)
	h.Attach(b)

	if err := h.Send(a, TypeConversationCleared, nil); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if a.count() != 1 || b.count() != 0 {
		t.Errorf("directed send counts = %d, %d, want 1, 0", a.count(), b.count())
	}
}
