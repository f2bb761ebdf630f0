package collab

import "time"

const (
	EventDocEdited = "DOC_EDITED"
	EventDocSaved  = "DOC_SAVED"
)

// DocEvent 是写入 Kafka 的文档事件，下游用于审计与统计。
type DocEvent struct {
	EventType string    `json:"eventType"`
	DocID     string    `json:"docId"`
	UserID    string    `json:"userId,omitempty"`
	ConnID    string    `json:"connId,omitempty"`
	Version   uint64    `json:"version,omitempty"`
	Size      int       `json:"size"`
	Auto      bool      `json:"auto,omitempty"`
	At        time.Time `json:"at"`
}
