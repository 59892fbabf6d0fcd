// Package session implements the client side of an editing session: it
// resolves a record to its replica over the coordinator's signaling
// protocol, attaches to the replicated document, mirrors the document
// fields for a UI, and ships local edits as sync changes. Signaling and
// sync share one websocket connection.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/record-collab/pkg/replica"
	"github.com/example/record-collab/pkg/wire"
)

// State is the session lifecycle position.
type State int

const (
	StateIdle State = iota
	StateResolving
	StateAttaching
	StateReady
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateAttaching:
		return "attaching"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	// ErrNoIdentity means Start was called before both the record id and
	// the editor name were known; the session stays idle.
	ErrNoIdentity = errors.New("session: user id and editor name required")
	// ErrResolveTimeout means no DOCUMENT_ID arrived within the bound.
	ErrResolveTimeout = errors.New("session: timed out waiting for document id")
	// ErrAttachTimeout means the document history never arrived.
	ErrAttachTimeout = errors.New("session: timed out waiting for document history")
	// ErrNotReady marks an edit attempted outside the ready state; the
	// edit is discarded, not queued.
	ErrNotReady = errors.New("session: not ready")
	// ErrClosed means the session was torn down.
	ErrClosed = errors.New("session: closed")
	// ErrAlreadyStarted means Start was called twice; sessions are
	// single-use.
	ErrAlreadyStarted = errors.New("session: already started")
)

const defaultTimeout = 10 * time.Second

// Config describes one editing session.
type Config struct {
	ServerURL  string // e.g. ws://localhost:3031/ws
	UserID     string // record to edit
	EditorName string // editor identity; doubles as the sync peer id

	ResolveTimeout time.Duration // bound on the DOCUMENT_ID wait; default 10s
	AttachTimeout  time.Duration // bound on the history wait; default 10s

	// Store is the local replica store. Nil means a fresh memory-only
	// store with EditorName as actor.
	Store *replica.Store

	Dialer *websocket.Dialer
	Logger *slog.Logger

	// OnUpdate is invoked with the mirrored fields after every applied
	// change once the session is ready.
	OnUpdate func(replica.Fields)
}

// Session is a single-use editing session. Build a new one to retry after
// an error.
type Session struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	state     State
	err       error
	conn      *websocket.Conn
	handle    *replica.Handle
	replicaID string
	form      replica.Fields

	// editMu serializes edits with teardown: an edit that passed the ready
	// check finishes before Close or fail return, and an edit arriving
	// after is rejected before it touches the store.
	editMu  sync.Mutex
	writeMu sync.Mutex

	resolved   chan string
	attached   chan struct{}
	attachOnce sync.Once
	closed     chan struct{}
	closeOnce  sync.Once
}

// New builds an idle session. Start drives it to ready.
func New(cfg Config) (*Session, error) {
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = defaultTimeout
	}
	if cfg.AttachTimeout <= 0 {
		cfg.AttachTimeout = defaultTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Store == nil {
		store, err := replica.Open(cfg.EditorName, nil)
		if err != nil {
			return nil, err
		}
		cfg.Store = store
	}
	return &Session{
		cfg:      cfg,
		log:      cfg.Logger,
		state:    StateIdle,
		resolved: make(chan string, 1),
		attached: make(chan struct{}),
		closed:   make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error, if the session failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// terminal reports why Start cannot continue. A close racing a failure wins:
// the caller asked for the teardown, so that is what they hear about.
func (s *Session) terminal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrClosed
	}
	return s.err
}

// ReplicaID returns the resolved document id, empty before resolution.
func (s *Session) ReplicaID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replicaID
}

// FormData returns the mirrored document fields.
func (s *Session) FormData() replica.Fields {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.form
}

// Start resolves the record, attaches to the document and blocks until the
// session is ready or fails. A session with no identity stays idle.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if s.cfg.UserID == "" || s.cfg.EditorName == "" {
		s.mu.Unlock()
		return ErrNoIdentity
	}
	s.state = StateResolving
	s.mu.Unlock()

	conn, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.ServerURL, nil)
	if err != nil {
		s.fail(fmt.Errorf("session: dial %s: %w", s.cfg.ServerURL, err))
		return s.terminal()
	}
	s.mu.Lock()
	if s.state != StateResolving {
		// Closed while dialing.
		s.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	s.conn = conn
	s.mu.Unlock()

	go s.readLoop(conn)

	if err := s.writeText(wire.NewGetDocument(s.cfg.UserID, s.cfg.EditorName)); err != nil {
		s.fail(err)
		return s.terminal()
	}
	s.log.Debug("Resolving record", "user", s.cfg.UserID)

	var replicaID string
	select {
	case replicaID = <-s.resolved:
	case <-time.After(s.cfg.ResolveTimeout):
		s.fail(ErrResolveTimeout)
		return s.terminal()
	case <-ctx.Done():
		s.fail(ctx.Err())
		return s.terminal()
	case <-s.closed:
		return ErrClosed
	}

	handle := s.cfg.Store.Ensure(replicaID)
	s.mu.Lock()
	if s.state != StateResolving {
		s.mu.Unlock()
		return ErrClosed
	}
	s.state = StateAttaching
	s.replicaID = replicaID
	s.handle = handle
	s.mu.Unlock()
	handle.OnChange(s.onDocChange)
	s.log.Info("Record resolved", "user", s.cfg.UserID, "replica", replicaID)

	// Announce the sync peer, request history, declare presence.
	if err := s.writeSync(replica.SyncMessage{Type: replica.SyncJoin, SenderID: s.cfg.EditorName}); err != nil {
		s.fail(err)
		return s.terminal()
	}
	if err := s.writeSync(replica.SyncMessage{Type: replica.SyncRequest, SenderID: s.cfg.EditorName, DocumentID: replicaID}); err != nil {
		s.fail(err)
		return s.terminal()
	}
	if err := s.writeText(wire.NewEditorInfo(s.cfg.EditorName, s.cfg.UserID)); err != nil {
		s.fail(err)
		return s.terminal()
	}

	select {
	case <-s.attached:
	case <-time.After(s.cfg.AttachTimeout):
		s.fail(ErrAttachTimeout)
		return s.terminal()
	case <-ctx.Done():
		s.fail(ctx.Err())
		return s.terminal()
	case <-s.closed:
		return ErrClosed
	}

	s.mu.Lock()
	if s.state != StateAttaching {
		s.mu.Unlock()
		return ErrClosed
	}
	s.form = handle.Fields()
	s.state = StateReady
	form := s.form
	onUpdate := s.cfg.OnUpdate
	s.mu.Unlock()

	s.log.Info("Session ready", "user", s.cfg.UserID, "replica", replicaID, "editor", s.cfg.EditorName)
	if onUpdate != nil {
		onUpdate(form)
	}
	return nil
}

// UpdateField applies a local edit. Outside the ready state the edit is a
// defined no-op: it reaches no store and is not queued.
func (s *Session) UpdateField(field, value string) error {
	s.editMu.Lock()
	defer s.editMu.Unlock()

	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return ErrNotReady
	}
	handle := s.handle
	replicaID := s.replicaID
	s.mu.Unlock()

	changes := handle.Change(func(f *replica.Fields) {
		f.Set(field, value)
	})
	if len(changes) == 0 {
		return nil
	}
	return s.writeSync(replica.SyncMessage{
		Type:       replica.SyncChanges,
		SenderID:   s.cfg.EditorName,
		DocumentID: replicaID,
		Changes:    changes,
	})
}

// Close tears the session down from any state. Presence withdrawal is
// implicit: the coordinator observes the connection close.
func (s *Session) Close() {
	s.editMu.Lock()
	defer s.editMu.Unlock()

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	conn := s.conn
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.closed) })
	if conn != nil {
		conn.Close()
	}
	s.log.Debug("Session closed", "user", s.cfg.UserID)
}

// fail moves the session to its terminal error state.
func (s *Session) fail(err error) {
	s.editMu.Lock()
	defer s.editMu.Unlock()

	s.mu.Lock()
	if s.state == StateClosed || s.state == StateError {
		s.mu.Unlock()
		return
	}
	s.state = StateError
	s.err = err
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.log.Warn("Session failed", "user", s.cfg.UserID, "error", err)
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			st := s.state
			s.mu.Unlock()
			if st != StateClosed && st != StateError {
				s.fail(fmt.Errorf("session: connection lost: %w", err))
			}
			return
		}
		switch kind {
		case websocket.TextMessage:
			s.handleSignal(data)
		case websocket.BinaryMessage:
			s.handleSync(data)
		}
	}
}

func (s *Session) handleSignal(data []byte) {
	msg, ok := wire.Decode(data)
	if !ok {
		// Foreign frame; the sync protocol shares the connection.
		return
	}
	d, ok := msg.(wire.DocumentID)
	if !ok || d.UserID != s.cfg.UserID {
		// Responses are matched by record id, not arrival order.
		return
	}
	select {
	case s.resolved <- d.DocumentID:
	default:
		// Duplicate or late response; already resolved.
	}
}

func (s *Session) handleSync(data []byte) {
	m, ok := replica.DecodeSync(data)
	if !ok {
		return
	}
	if m.Type != replica.SyncChanges {
		return
	}

	s.mu.Lock()
	st := s.state
	handle := s.handle
	replicaID := s.replicaID
	s.mu.Unlock()

	// A closed or errored session ignores late traffic; before attach there
	// is no replica to apply against.
	if st != StateAttaching && st != StateReady {
		return
	}
	if m.DocumentID != replicaID || handle == nil {
		return
	}

	handle.Apply(m.Changes)
	s.attachOnce.Do(func() { close(s.attached) })
}

// onDocChange mirrors the merged document into the form snapshot. Local and
// remote changes arrive here alike.
func (s *Session) onDocChange(f replica.Fields) {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateError {
		s.mu.Unlock()
		return
	}
	s.form = f
	ready := s.state == StateReady
	onUpdate := s.cfg.OnUpdate
	s.mu.Unlock()

	if ready && onUpdate != nil {
		onUpdate(f)
	}
}

func (s *Session) writeText(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, data)
}

func (s *Session) writeSync(m replica.SyncMessage) error {
	data, err := replica.EncodeSync(m)
	if err != nil {
		return err
	}
	return s.write(websocket.BinaryMessage, data)
}

func (s *Session) write(kind int, data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(kind, data)
}
