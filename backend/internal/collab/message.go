package collab

import (
	"encoding/json"

	"collabsync/backend/internal/cache"
)

// 服务端 -> 客户端 的消息类型
const (
	TypeDocument      = "document"
	TypeUserJoined    = "user-joined"
	TypeUserLeft      = "user-left"
	TypeRemoteChanges = "remote-changes"
	TypeCursorUpdate  = "cursor-update"
	TypeDocSaved      = "document-saved"
	TypeSaveFailed    = "document-save-failed"
	TypePresence      = "presence"
	TypeError         = "error"
)

// OutboundMessage 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

// 加入成功后发给加入者的当前正文。content 即使为空也要下发。
type DocumentMessage struct {
	Type    string `json:"type"`
	DocID   string `json:"docId"`
	Content string `json:"content"`
}

// user-joined / user-left
type PeerMessage struct {
	Type   string `json:"type"`
	DocID  string `json:"docId"`
	UserID string `json:"userId"`
}

// 同时携带增量和全文：增量用于低延迟应用，全文用于丢消息后的自愈。
type RemoteChangesMessage struct {
	Type    string          `json:"type"`
	DocID   string          `json:"docId"`
	UserID  string          `json:"userId"`
	Delta   json.RawMessage `json:"delta,omitempty"`
	Content *string         `json:"content,omitempty"`
}

type CursorMessage struct {
	Type   string          `json:"type"`
	DocID  string          `json:"docId"`
	UserID string          `json:"userId"`
	Range  json.RawMessage `json:"range,omitempty"`
	Color  string          `json:"color,omitempty"`
}

type SavedMessage struct {
	Type    string `json:"type"`
	DocID   string `json:"docId"`
	Version uint64 `json:"version"`
	Auto    bool   `json:"auto,omitempty"`
}

type SaveFailedMessage struct {
	Type    string `json:"type"`
	DocID   string `json:"docId"`
	Content string `json:"content,omitempty"`
}

type PresenceMessage struct {
	Type    string                 `json:"type"`
	DocID   string                 `json:"docId"`
	Members []cache.PresenceMember `json:"members"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func (m DocumentMessage) MessageType() string      { return m.Type }
func (m PeerMessage) MessageType() string          { return m.Type }
func (m RemoteChangesMessage) MessageType() string { return m.Type }
func (m CursorMessage) MessageType() string        { return m.Type }
func (m SavedMessage) MessageType() string         { return m.Type }
func (m SaveFailedMessage) MessageType() string    { return m.Type }
func (m PresenceMessage) MessageType() string      { return m.Type }
func (m ErrorMessage) MessageType() string         { return m.Type }
