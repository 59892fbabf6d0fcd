package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/record-collab/pkg/replica"
	"github.com/example/record-collab/pkg/wire"
)

// stubCoordinator is a minimal scriptable server: it answers GET_DOCUMENT
// with a fixed document id and serves history for sync requests, unless
// told to stay silent.
type stubCoordinator struct {
	docID         string
	history       []replica.Change
	silentResolve bool
	silentAttach  bool

	url string
}

func startStub(t *testing.T, stub *stubCoordinator) *stubCoordinator {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch kind {
			case websocket.TextMessage:
				msg, ok := wire.Decode(data)
				if !ok {
					continue
				}
				if gd, ok := msg.(wire.GetDocument); ok && !stub.silentResolve {
					out, _ := json.Marshal(wire.NewDocumentID(gd.UserID, stub.docID))
					conn.WriteMessage(websocket.TextMessage, out)
				}
			case websocket.BinaryMessage:
				m, ok := replica.DecodeSync(data)
				if !ok {
					continue
				}
				switch m.Type {
				case replica.SyncJoin:
					out, _ := replica.EncodeSync(replica.SyncMessage{Type: replica.SyncPeer, SenderID: "stub"})
					conn.WriteMessage(websocket.BinaryMessage, out)
				case replica.SyncRequest:
					if stub.silentAttach {
						continue
					}
					out, _ := replica.EncodeSync(replica.SyncMessage{
						Type:       replica.SyncChanges,
						SenderID:   "stub",
						DocumentID: m.DocumentID,
						Changes:    stub.history,
					})
					conn.WriteMessage(websocket.BinaryMessage, out)
				}
			}
		}
	}))
	t.Cleanup(ts.Close)
	stub.url = "ws" + strings.TrimPrefix(ts.URL, "http")
	return stub
}

func docHistory(t *testing.T) (string, []replica.Change) {
	t.Helper()
	store, _ := replica.Open("server", nil)
	id, err := store.Create(replica.Fields{Name: "User 42", Address: "address42", Memo: "memo42"})
	if err != nil {
		t.Fatal(err)
	}
	h, _ := store.Find(id)
	return id, h.History()
}

func TestStart_ReachesReady(t *testing.T) {
	docID, history := docHistory(t)
	stub := startStub(t, &stubCoordinator{docID: docID, history: history})

	s, err := New(Config{ServerURL: stub.url, UserID: "42", EditorName: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if got := s.State(); got != StateIdle {
		t.Fatalf("state before start = %v", got)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := s.State(); got != StateReady {
		t.Errorf("state after start = %v", got)
	}
	if got := s.ReplicaID(); got != docID {
		t.Errorf("replica id = %q, want %q", got, docID)
	}
	f := s.FormData()
	if f.Name != "User 42" || f.Address != "address42" || f.Memo != "memo42" {
		t.Errorf("mirror missing history: %+v", f)
	}
}

func TestStart_RequiresIdentity(t *testing.T) {
	tests := []struct {
		name   string
		user   string
		editor string
	}{
		{"no editor", "42", ""},
		{"no user", "", "alice"},
		{"neither", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(Config{ServerURL: "ws://localhost:1", UserID: tt.user, EditorName: tt.editor})
			if err != nil {
				t.Fatal(err)
			}
			if err := s.Start(context.Background()); !errors.Is(err, ErrNoIdentity) {
				t.Errorf("Start = %v, want ErrNoIdentity", err)
			}
			// No network activity happened; the session is still idle.
			if got := s.State(); got != StateIdle {
				t.Errorf("state = %v, want idle", got)
			}
		})
	}
}

func TestStart_ResolveTimeout(t *testing.T) {
	stub := startStub(t, &stubCoordinator{silentResolve: true})

	s, err := New(Config{
		ServerURL:      stub.url,
		UserID:         "42",
		EditorName:     "alice",
		ResolveTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrResolveTimeout) {
		t.Errorf("Start = %v, want ErrResolveTimeout", err)
	}
	if got := s.State(); got != StateError {
		t.Errorf("state = %v, want error", got)
	}
}

func TestStart_AttachTimeout(t *testing.T) {
	docID, _ := docHistory(t)
	stub := startStub(t, &stubCoordinator{docID: docID, silentAttach: true})

	s, err := New(Config{
		ServerURL:     stub.url,
		UserID:        "42",
		EditorName:    "alice",
		AttachTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAttachTimeout) {
		t.Errorf("Start = %v, want ErrAttachTimeout", err)
	}
	if got := s.State(); got != StateError {
		t.Errorf("state = %v, want error", got)
	}
}

func TestUpdateField_NoOpOutsideReady(t *testing.T) {
	docID, history := docHistory(t)
	stub := startStub(t, &stubCoordinator{docID: docID, history: history})

	store, _ := replica.Open("alice", nil)
	s, err := New(Config{ServerURL: stub.url, UserID: "42", EditorName: "alice", Store: store})
	if err != nil {
		t.Fatal(err)
	}

	// Idle: discarded, not queued.
	if err := s.UpdateField("name", "too early"); !errors.Is(err, ErrNotReady) {
		t.Errorf("UpdateField while idle = %v, want ErrNotReady", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateField("name", "on time"); err != nil {
		t.Fatal(err)
	}
	if got := s.FormData().Name; got != "on time" {
		t.Errorf("mirror = %q; the early edit must not have queued", got)
	}

	s.Close()
	if err := s.UpdateField("name", "too late"); !errors.Is(err, ErrNotReady) {
		t.Errorf("UpdateField after close = %v, want ErrNotReady", err)
	}
	// Nothing from the rejected edits reached the local replica.
	h, _ := store.Find(docID)
	if got := h.Fields().Name; got != "on time" {
		t.Errorf("replica holds %q, rejected edits leaked", got)
	}
}

func TestClose_NoEditLandsAfterwards(t *testing.T) {
	docID, history := docHistory(t)
	stub := startStub(t, &stubCoordinator{docID: docID, history: history})

	store, _ := replica.Open("alice", nil)
	s, err := New(Config{ServerURL: stub.url, UserID: "42", EditorName: "alice", Store: store})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Hammer edits from another goroutine while the session is torn down.
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for i := 0; ; i++ {
			if err := s.UpdateField("memo", fmt.Sprintf("edit %d", i)); err != nil {
				return
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	s.Close()

	// Close returned: any edit that passed the ready check has finished,
	// and everything after is rejected before touching the store.
	h, err := store.Find(docID)
	if err != nil {
		t.Fatal(err)
	}
	after := h.Fields()
	<-stopped
	if got := h.Fields(); got != after {
		t.Errorf("edit reached the store after close: %+v vs %+v", got, after)
	}
	if err := s.UpdateField("memo", "straggler"); !errors.Is(err, ErrNotReady) {
		t.Errorf("UpdateField after close = %v, want ErrNotReady", err)
	}
}

func TestClose_DuringResolveIgnoresLateResponse(t *testing.T) {
	stub := startStub(t, &stubCoordinator{silentResolve: true})

	s, err := New(Config{ServerURL: stub.url, UserID: "42", EditorName: "alice"})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()

	// Let the session reach resolving, then tear it down mid-wait.
	deadline := time.Now().Add(5 * time.Second)
	for s.State() != StateResolving && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Start after close = %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after close")
	}
	if got := s.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestStart_SingleUse(t *testing.T) {
	docID, history := docHistory(t)
	stub := startStub(t, &stubCoordinator{docID: docID, history: history})

	s, err := New(Config{ServerURL: stub.url, UserID: "42", EditorName: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestOnUpdate_SeesRemoteChanges(t *testing.T) {
	docID, history := docHistory(t)

	// Server pushes an extra change after history is served.
	serverStore, _ := replica.Open("server", nil)
	sh := serverStore.Ensure(docID)
	sh.Apply(history)
	extra := sh.Change(func(f *replica.Fields) { f.Memo = "pushed" })

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.TextMessage {
				if msg, ok := wire.Decode(data); ok {
					if gd, ok := msg.(wire.GetDocument); ok {
						out, _ := json.Marshal(wire.NewDocumentID(gd.UserID, docID))
						conn.WriteMessage(websocket.TextMessage, out)
					}
				}
				continue
			}
			if m, ok := replica.DecodeSync(data); ok && m.Type == replica.SyncRequest {
				out, _ := replica.EncodeSync(replica.SyncMessage{
					Type: replica.SyncChanges, SenderID: "server", DocumentID: docID, Changes: history,
				})
				conn.WriteMessage(websocket.BinaryMessage, out)
				out, _ = replica.EncodeSync(replica.SyncMessage{
					Type: replica.SyncChanges, SenderID: "server", DocumentID: docID, Changes: extra,
				})
				conn.WriteMessage(websocket.BinaryMessage, out)
			}
		}
	}))
	t.Cleanup(ts.Close)

	updates := make(chan replica.Fields, 16)
	s, err := New(Config{
		ServerURL:  "ws" + strings.TrimPrefix(ts.URL, "http"),
		UserID:     "42",
		EditorName: "alice",
		OnUpdate:   func(f replica.Fields) { updates <- f },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case f := <-updates:
			if f.Memo == "pushed" {
				return
			}
		case <-deadline:
			t.Fatalf("never observed the pushed change, mirror: %+v", s.FormData())
		}
	}
}
