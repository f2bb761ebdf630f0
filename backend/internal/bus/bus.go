// Package bus 负责跨进程的房间广播：同一文档的连接可能分布在多个实例上。
package bus

import (
	"context"
	"encoding/json"
)

// Envelope 是在实例之间传递的一条广播。
// Except 为需要排除的连接 id（通常是发送者），只对其所在实例有意义。
type Envelope struct {
	Origin  string          `json:"origin"`
	DocID   string          `json:"docId"`
	Except  string          `json:"except,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Handler 处理来自其他实例的广播，只做本地投递。
type Handler func(Envelope)

type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe 订阅成功后立即返回，消息在后台 goroutine 中交给 h。
	Subscribe(ctx context.Context, h Handler) error
	Origin() string
	Close() error
}

// Local 是单实例退化模式：不跨进程转发。
type Local struct {
	origin string
}

func NewLocal(origin string) *Local { return &Local{origin: origin} }

func (l *Local) Publish(context.Context, Envelope) error  { return nil }
func (l *Local) Subscribe(context.Context, Handler) error { return nil }
func (l *Local) Origin() string                           { return l.origin }
func (l *Local) Close() error                             { return nil }
