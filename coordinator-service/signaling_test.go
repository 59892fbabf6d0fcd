package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/record-collab/pkg/replica"
	"github.com/example/record-collab/pkg/wire"
)

type testCoordinator struct {
	srv      *server
	store    *replica.Store
	presence *Presence
	url      string
}

func startCoordinator(t *testing.T) *testCoordinator {
	t.Helper()
	store, err := replica.Open(coordinatorPeerID, nil)
	if err != nil {
		t.Fatal(err)
	}
	dir, err := newDirectory(store, nil)
	if err != nil {
		t.Fatal(err)
	}
	presence := newPresence()
	srv := newServer(dir, presence, newRelay(store), nil)

	ts := httptest.NewServer(http.HandlerFunc(srv.handleWS))
	t.Cleanup(ts.Close)
	return &testCoordinator{
		srv:      srv,
		store:    store,
		presence: presence,
		url:      "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

func dialCoordinator(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// awaitDocumentID reads frames until the DOCUMENT_ID for the given record
// arrives, skipping anything else on the connection.
func awaitDocumentID(t *testing.T, conn *websocket.Conn, userID string) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for DOCUMENT_ID: %v", err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		msg, ok := wire.Decode(data)
		if !ok {
			continue
		}
		if d, ok := msg.(wire.DocumentID); ok && d.UserID == userID {
			return d.DocumentID
		}
	}
}

// awaitSync reads frames until a sync message for the given document
// arrives.
func awaitSync(t *testing.T, conn *websocket.Conn, docID string) replica.SyncMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for sync frame: %v", err)
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		m, ok := replica.DecodeSync(data)
		if !ok {
			continue
		}
		if m.Type == replica.SyncChanges && m.DocumentID == docID {
			return m
		}
	}
}

func sendText(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
}

func sendSync(t *testing.T, conn *websocket.Conn, m replica.SyncMessage) {
	t.Helper()
	data, err := replica.EncodeSync(m)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatal(err)
	}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestResolveRoundTrip(t *testing.T) {
	tc := startCoordinator(t)

	conn := dialCoordinator(t, tc.url)
	sendText(t, conn, wire.NewGetDocument("42", "alice"))
	first := awaitDocumentID(t, conn, "42")
	if first == "" {
		t.Fatal("empty document id")
	}

	// A second editor resolving the same record gets the same replica.
	conn2 := dialCoordinator(t, tc.url)
	sendText(t, conn2, wire.NewGetDocument("42", "bob"))
	if second := awaitDocumentID(t, conn2, "42"); second != first {
		t.Errorf("second session received %s, want %s", second, first)
	}

	// The created document carries defaults embedding the record id.
	h, err := tc.store.Find(first)
	if err != nil {
		t.Fatal(err)
	}
	if f := h.Fields(); f.Name != "User 42" {
		t.Errorf("unexpected default fields: %+v", f)
	}
}

func TestPresenceFollowsConnections(t *testing.T) {
	tc := startCoordinator(t)

	conn := dialCoordinator(t, tc.url)
	sendText(t, conn, wire.NewEditorInfo("alice", "42"))
	waitFor(t, "alice to join", func() bool {
		eds := tc.presence.Editors("42")
		return len(eds) == 1 && eds[0] == "alice"
	})

	conn.Close()
	waitFor(t, "alice to leave", func() bool {
		return tc.presence.Editors("42") == nil
	})
}

func TestMalformedSignalsAreDropped(t *testing.T) {
	tc := startCoordinator(t)

	conn := dialCoordinator(t, tc.url)
	// Unparseable, unknown type, and a sync frame on the text channel:
	// none may break the connection.
	conn.WriteMessage(websocket.TextMessage, []byte("not json at all"))
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"join","senderId":"alice","peerMetadata":{}}`))
	conn.WriteMessage(websocket.BinaryMessage, []byte("\x00\x01garbage"))

	sendText(t, conn, wire.NewGetDocument("42", "alice"))
	if id := awaitDocumentID(t, conn, "42"); id == "" {
		t.Error("signaling broken after malformed frames")
	}
}

func TestSyncRelayBetweenPeers(t *testing.T) {
	tc := startCoordinator(t)

	connA := dialCoordinator(t, tc.url)
	sendText(t, connA, wire.NewGetDocument("42", "alice"))
	docID := awaitDocumentID(t, connA, "42")

	// Both peers attach by requesting history.
	sendSync(t, connA, replica.SyncMessage{Type: replica.SyncRequest, SenderID: "alice", DocumentID: docID})
	history := awaitSync(t, connA, docID)
	if len(history.Changes) != 3 {
		t.Fatalf("expected 3 default changes in history, got %d", len(history.Changes))
	}

	connB := dialCoordinator(t, tc.url)
	sendSync(t, connB, replica.SyncMessage{Type: replica.SyncRequest, SenderID: "bob", DocumentID: docID})
	awaitSync(t, connB, docID)

	// Alice edits through her local replica and ships the changes.
	local, _ := replica.Open("alice", nil)
	h := local.Ensure(docID)
	h.Apply(history.Changes)
	changes := h.Change(func(f *replica.Fields) { f.Memo = "hello from alice" })
	sendSync(t, connA, replica.SyncMessage{Type: replica.SyncChanges, SenderID: "alice", DocumentID: docID, Changes: changes})

	// Bob receives the relayed changes.
	got := awaitSync(t, connB, docID)
	if len(got.Changes) != 1 || got.Changes[0].Value != "hello from alice" {
		t.Errorf("unexpected relayed changes: %+v", got.Changes)
	}

	// The coordinator's replica applied them too.
	waitFor(t, "server store to apply", func() bool {
		sh, err := tc.store.Find(docID)
		if err != nil {
			return false
		}
		return sh.Fields().Memo == "hello from alice"
	})
}

func TestJoinGetsPeerReply(t *testing.T) {
	tc := startCoordinator(t)

	conn := dialCoordinator(t, tc.url)
	sendSync(t, conn, replica.SyncMessage{Type: replica.SyncJoin, SenderID: "alice"})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for peer reply: %v", err)
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		m, ok := replica.DecodeSync(data)
		if !ok {
			continue
		}
		if m.Type == replica.SyncPeer {
			if m.SenderID != coordinatorPeerID {
				t.Errorf("unexpected peer id: %s", m.SenderID)
			}
			return
		}
	}
}
