package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/example/record-collab/pkg/otelhelper"
)

// PresenceEvent is broadcast on presence.event.{recordId} whenever an
// editor appears on or fully departs a record.
type PresenceEvent struct {
	Type     string   `json:"type"` // "join" or "leave"
	RecordId string   `json:"recordId"`
	EditorId string   `json:"editorId"`
	Editors  []string `json:"editors"`
}

// DirectoryEvent is published on directory.created when a record's replica
// is minted.
type DirectoryEvent struct {
	RecordId  string `json:"recordId"`
	ReplicaId string `json:"replicaId"`
}

// eventBridge mirrors coordinator state onto NATS for dashboards and
// sibling services: presence deltas, directory creations, and a
// request/reply endpoint for presence snapshots. A nil bridge (no NATS_URL
// configured) disables all of it; every method is nil-safe.
type eventBridge struct {
	nc       *nats.Conn
	presence *Presence
}

func newEventBridge(url, user, pass string, presence *Presence) (*eventBridge, error) {
	var nc *nats.Conn
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(url,
			nats.UserInfo(user, pass),
			nats.Name("coordinator-service"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
			}),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, err
	}
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	e := &eventBridge{nc: nc, presence: presence}

	// Request/reply: presence.record.{recordId} answers with the sorted
	// editor identities currently on the record.
	_, err = nc.Subscribe("presence.record.*", func(msg *nats.Msg) {
		_, span := otelhelper.StartServerSpan(context.Background(), msg, "presence record query")
		defer span.End()

		parts := strings.Split(msg.Subject, ".")
		if len(parts) < 3 {
			msg.Respond([]byte("[]"))
			return
		}
		editors := presence.Editors(parts[2])
		if editors == nil {
			editors = []string{}
		}
		data, err := json.Marshal(editors)
		if err != nil {
			msg.Respond([]byte("[]"))
			return
		}
		msg.Respond(data)
	})
	if err != nil {
		nc.Close()
		return nil, err
	}

	return e, nil
}

func (e *eventBridge) publishPresence(ctx context.Context, recordID, eventType, editorID string, editors []string) {
	if e == nil {
		return
	}
	evt := PresenceEvent{
		Type:     eventType,
		RecordId: recordID,
		EditorId: editorID,
		Editors:  editors,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		slog.Warn("Failed to marshal presence event", "error", err)
		return
	}
	if err := otelhelper.TracedPublish(ctx, e.nc, "presence.event."+recordID, data); err != nil {
		slog.Warn("Failed to publish presence event", "record", recordID, "error", err)
	}
}

func (e *eventBridge) publishDirectoryCreated(ctx context.Context, recordID, replicaID string) {
	if e == nil {
		return
	}
	data, err := json.Marshal(DirectoryEvent{RecordId: recordID, ReplicaId: replicaID})
	if err != nil {
		return
	}
	if err := otelhelper.TracedPublish(ctx, e.nc, "directory.created", data); err != nil {
		slog.Warn("Failed to publish directory event", "record", recordID, "error", err)
	}
}

func (e *eventBridge) drain() {
	if e == nil {
		return
	}
	e.nc.Drain()
}
