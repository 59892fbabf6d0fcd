// Package wire defines the signaling protocol spoken over the coordinator
// websocket. Signaling frames are text messages carrying one JSON object
// each; the document sync protocol shares the same connection on binary
// frames, so anything this package cannot classify is treated as foreign
// traffic, not as an error.
package wire

import "encoding/json"

// Signaling message type tags.
const (
	TypeGetDocument = "GET_DOCUMENT"
	TypeDocumentID  = "DOCUMENT_ID"
	TypeEditorInfo  = "EDITOR_INFO"
)

// For detecting incoming message type before a full decode.
type msgType struct {
	Type string `json:"type"`
}

// GetDocument asks the directory for the replica bound to a record,
// creating one on first access. Sent client to server.
type GetDocument struct {
	Type       string `json:"type"`
	UserID     string `json:"userId"`
	EditorName string `json:"editorName,omitempty"`
}

// DocumentID answers a GetDocument. Responses are correlated by UserID, not
// by arrival order - sync handshake traffic may interleave on the same
// connection. Sent server to client.
type DocumentID struct {
	Type       string `json:"type"`
	UserID     string `json:"userId"`
	DocumentID string `json:"documentId"`
}

// EditorInfo announces which editor is working on which record. No
// response; withdrawal is implicit in the connection close.
type EditorInfo struct {
	Type     string `json:"type"`
	EditorID string `json:"editorId"`
	UserID   string `json:"userId"`
}

func NewGetDocument(userID, editorName string) GetDocument {
	return GetDocument{Type: TypeGetDocument, UserID: userID, EditorName: editorName}
}

func NewDocumentID(userID, documentID string) DocumentID {
	return DocumentID{Type: TypeDocumentID, UserID: userID, DocumentID: documentID}
}

func NewEditorInfo(editorID, userID string) EditorInfo {
	return EditorInfo{Type: TypeEditorInfo, EditorID: editorID, UserID: userID}
}

// Decode classifies a text frame. It returns one of GetDocument, DocumentID
// or EditorInfo and true, or nil and false for frames that are not
// signaling messages (unparseable JSON, missing or unknown type). Foreign
// frames belong to whatever else shares the connection and must be dropped
// silently by callers.
func Decode(frame []byte) (interface{}, bool) {
	var mt msgType
	if err := json.Unmarshal(frame, &mt); err != nil {
		return nil, false
	}
	switch mt.Type {
	case TypeGetDocument:
		var msg GetDocument
		if err := json.Unmarshal(frame, &msg); err != nil {
			return nil, false
		}
		return msg, true
	case TypeDocumentID:
		var msg DocumentID
		if err := json.Unmarshal(frame, &msg); err != nil {
			return nil, false
		}
		return msg, true
	case TypeEditorInfo:
		var msg EditorInfo
		if err := json.Unmarshal(frame, &msg); err != nil {
			return nil, false
		}
		return msg, true
	default:
		return nil, false
	}
}
