package ws

import "encoding/json"

// 客户端 -> 服务端 的消息类型
const (
	TypeJoinDocument = "join-document"
	TypeDocChanges   = "doc-changes"
	TypeCursorUpdate = "cursor-update"
	TypeSaveDocument = "save-document"
	TypeHeartbeat    = "heartbeat"
	TypePresence     = "presence"
)

// ClientMessage 是所有入站消息的并集。UserID 只为兼容旧客户端保留，服务端不使用。
type ClientMessage struct {
	Type    string          `json:"type"`
	DocID   string          `json:"docId,omitempty"`
	UserID  string          `json:"userId,omitempty"`
	Delta   json.RawMessage `json:"delta,omitempty"`
	Content *string         `json:"content,omitempty"`
	Range   json.RawMessage `json:"range,omitempty"`
	Color   string          `json:"color,omitempty"`
}
