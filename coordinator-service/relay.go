package main

import (
	"log/slog"
	"sync"

	"github.com/example/record-collab/pkg/replica"
)

const coordinatorPeerID = "coordinator"

// Relay moves sync frames between the connections attached to each
// document. The coordinator's own store applies every change before
// fanout, so it always holds full history for late joiners and is the
// single writer behind persistence.
type Relay struct {
	mu       sync.Mutex
	store    *replica.Store
	attached map[string]map[*client]bool // documentId → attached connections
	byClient map[*client]map[string]bool // reverse index for detach
}

func newRelay(store *replica.Store) *Relay {
	return &Relay{
		store:    store,
		attached: make(map[string]map[*client]bool),
		byClient: make(map[*client]map[string]bool),
	}
}

func (r *Relay) attach(docID string, c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attached[docID] == nil {
		r.attached[docID] = make(map[*client]bool)
	}
	r.attached[docID][c] = true
	if r.byClient[c] == nil {
		r.byClient[c] = make(map[string]bool)
	}
	r.byClient[c][docID] = true
}

// detach removes a connection from every document it was attached to.
func (r *Relay) detach(c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for docID := range r.byClient[c] {
		if conns, ok := r.attached[docID]; ok {
			delete(conns, c)
			if len(conns) == 0 {
				delete(r.attached, docID)
			}
		}
	}
	delete(r.byClient, c)
}

// peers returns the other connections attached to a document.
func (r *Relay) peers(docID string, from *client) []*client {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.attached[docID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]*client, 0, len(conns))
	for c := range conns {
		if c != from {
			out = append(out, c)
		}
	}
	return out
}

// handleFrame processes one binary frame from a connection. Frames that do
// not decode as sync messages are foreign and dropped.
func (r *Relay) handleFrame(c *client, frame []byte) {
	msg, ok := replica.DecodeSync(frame)
	if !ok {
		slog.Debug("Ignoring foreign binary frame", "conn", c.id, "bytes", len(frame))
		return
	}

	switch msg.Type {
	case replica.SyncJoin:
		c.sendSync(replica.SyncMessage{Type: replica.SyncPeer, SenderID: coordinatorPeerID})

	case replica.SyncRequest:
		if msg.DocumentID == "" {
			return
		}
		r.attach(msg.DocumentID, c)
		h := r.store.Ensure(msg.DocumentID)
		c.sendSync(replica.SyncMessage{
			Type:       replica.SyncChanges,
			SenderID:   coordinatorPeerID,
			DocumentID: msg.DocumentID,
			Changes:    h.History(),
		})

	case replica.SyncChanges:
		if msg.DocumentID == "" {
			return
		}
		r.attach(msg.DocumentID, c)
		h := r.store.Ensure(msg.DocumentID)
		h.Apply(msg.Changes)
		for _, peer := range r.peers(msg.DocumentID, c) {
			peer.sendBinary(frame)
		}
	}
}
