package replica

import "encoding/json"

// Sync protocol message types. Sync frames travel as websocket binary
// messages on the same connection as the JSON signaling protocol; each side
// ignores the other's framing.
const (
	SyncJoin    = "join"    // peer announces itself after connecting
	SyncPeer    = "peer"    // server acknowledges a join
	SyncRequest = "request" // peer asks for a document's full history
	SyncChanges = "sync"    // changes for one document
)

// SyncMessage is the envelope for all sync traffic.
type SyncMessage struct {
	Type       string   `json:"type"`
	SenderID   string   `json:"senderId,omitempty"`
	DocumentID string   `json:"documentId,omitempty"`
	Changes    []Change `json:"changes,omitempty"`
}

// EncodeSync serializes a sync message for the wire.
func EncodeSync(m SyncMessage) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeSync parses a binary frame as a sync message. Frames that do not
// carry a known sync type are foreign and reported as not ok; misrouted
// traffic is never an error.
func DecodeSync(frame []byte) (SyncMessage, bool) {
	var m SyncMessage
	if err := json.Unmarshal(frame, &m); err != nil {
		return SyncMessage{}, false
	}
	switch m.Type {
	case SyncJoin, SyncPeer, SyncRequest, SyncChanges:
		return m, true
	}
	return SyncMessage{}, false
}
