package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/record-collab/pkg/otelhelper"
	"github.com/example/record-collab/pkg/replica"
	"github.com/example/record-collab/pkg/wire"
)

// frame is one outbound websocket message; kind distinguishes signaling
// (text) from sync (binary).
type frame struct {
	kind int
	data []byte
}

// client is one connected editor process (browser tab, agent, test).
type client struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan frame
	closed bool
}

// enqueue hands a frame to the write pump. A full buffer means a stalled
// consumer; the frame is dropped rather than blocking the read loop. Frames
// for a closed connection are dropped too: the relay may still hold this
// client in a peer snapshot taken before its teardown.
func (c *client) enqueue(f frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- f:
	default:
		slog.Warn("Dropping frame for slow connection", "conn", c.id)
	}
}

// closeSend stops the write pump. Safe to call once enqueue can no longer
// race the close; enqueue itself checks the flag under the same lock.
func (c *client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *client) sendText(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal signaling message", "error", err)
		return
	}
	c.enqueue(frame{kind: websocket.TextMessage, data: data})
}

func (c *client) sendSync(m replica.SyncMessage) {
	data, err := replica.EncodeSync(m)
	if err != nil {
		slog.Error("Failed to marshal sync message", "error", err)
		return
	}
	c.enqueue(frame{kind: websocket.BinaryMessage, data: data})
}

func (c *client) sendBinary(data []byte) {
	c.enqueue(frame{kind: websocket.BinaryMessage, data: data})
}

func (c *client) writePump() {
	defer c.conn.Close()
	for f := range c.send {
		if err := c.conn.WriteMessage(f.kind, f.data); err != nil {
			slog.Debug("Write failed, closing connection", "conn", c.id, "error", err)
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// server owns the websocket endpoint and routes each frame to the
// signaling or sync layer.
type server struct {
	upgrader websocket.Upgrader
	dir      *Directory
	presence *Presence
	relay    *Relay
	events   *eventBridge

	liveConns atomic.Int64

	resolveCounter  metric.Int64Counter
	resolveDuration metric.Float64Histogram
	joinCounter     metric.Int64Counter
	leaveCounter    metric.Int64Counter
	syncCounter     metric.Int64Counter
	foreignCounter  metric.Int64Counter
}

func newServer(dir *Directory, presence *Presence, relay *Relay, events *eventBridge) *server {
	meter := otel.Meter("coordinator-service")
	resolveCounter, _ := meter.Int64Counter("resolve_requests_total",
		metric.WithDescription("Total record resolution requests"))
	resolveDuration, _ := otelhelper.NewDurationHistogram(meter, "resolve_duration_seconds",
		"Duration of record resolution requests")
	joinCounter, _ := meter.Int64Counter("presence_joins_total",
		metric.WithDescription("Total presence announcements"))
	leaveCounter, _ := meter.Int64Counter("presence_leaves_total",
		metric.WithDescription("Total presence withdrawals (connection closes)"))
	syncCounter, _ := meter.Int64Counter("sync_frames_total",
		metric.WithDescription("Total binary sync frames routed"))
	foreignCounter, _ := meter.Int64Counter("foreign_frames_total",
		metric.WithDescription("Total unclassifiable frames dropped"))

	return &server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		dir:             dir,
		presence:        presence,
		relay:           relay,
		events:          events,
		resolveCounter:  resolveCounter,
		resolveDuration: resolveDuration,
		joinCounter:     joinCounter,
		leaveCounter:    leaveCounter,
		syncCounter:     syncCounter,
		foreignCounter:  foreignCounter,
	}
}

func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &client{id: uuid.NewString(), conn: conn, send: make(chan frame, 256)}
	s.liveConns.Add(1)
	slog.Info("Connection opened", "conn", c.id, "remote", conn.RemoteAddr().String())

	go c.writePump()
	s.readPump(c)
}

func (s *server) readPump(c *client) {
	defer func() {
		s.relay.detach(c)
		if b, departed, ok := s.presence.Leave(c.id); ok {
			s.leaveCounter.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("record", b.recordID)))
			slog.Info("Editor connection left", "conn", c.id, "record", b.recordID, "editor", b.editorID, "departed", departed)
			if departed {
				s.events.publishPresence(context.Background(), b.recordID, "leave", b.editorID, s.presence.Editors(b.recordID))
			}
		}
		c.closeSend()
		c.conn.Close()
		s.liveConns.Add(-1)
		slog.Info("Connection closed", "conn", c.id)
	}()

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			slog.Debug("Read loop ended", "conn", c.id, "error", err)
			return
		}
		switch kind {
		case websocket.TextMessage:
			s.handleSignal(c, data)
		case websocket.BinaryMessage:
			s.syncCounter.Add(context.Background(), 1)
			s.relay.handleFrame(c, data)
		}
	}
}

func (s *server) handleSignal(c *client, data []byte) {
	msg, ok := wire.Decode(data)
	if !ok {
		// Foreign traffic sharing the connection; never an error.
		s.foreignCounter.Add(context.Background(), 1)
		slog.Debug("Ignoring foreign text frame", "conn", c.id, "bytes", len(data))
		return
	}

	switch m := msg.(type) {
	case wire.GetDocument:
		if m.UserID == "" {
			return
		}
		start := time.Now()
		replicaID, created, err := s.dir.Resolve(m.UserID)
		s.resolveCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.Bool("created", created)))
		s.resolveDuration.Record(context.Background(), time.Since(start).Seconds())
		if err != nil {
			// No mapping was recorded; the client times out and retries
			// with a fresh session.
			slog.Error("Failed to resolve record", "conn", c.id, "record", m.UserID, "error", err)
			return
		}
		if created {
			s.events.publishDirectoryCreated(context.Background(), m.UserID, replicaID)
		}
		c.sendText(wire.NewDocumentID(m.UserID, replicaID))

	case wire.EditorInfo:
		if m.UserID == "" || m.EditorID == "" {
			return
		}
		appeared := s.presence.Join(m.UserID, m.EditorID, c.id)
		s.joinCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("record", m.UserID)))
		slog.Info("Editor announced", "conn", c.id, "record", m.UserID, "editor", m.EditorID)
		if appeared {
			s.events.publishPresence(context.Background(), m.UserID, "join", m.EditorID, s.presence.Editors(m.UserID))
		}

	case wire.DocumentID:
		// Server-to-client message looped back; drop.
		slog.Debug("Ignoring DOCUMENT_ID from client", "conn", c.id)
	}
}
