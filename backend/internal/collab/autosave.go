package collab

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

// Flusher 保存所有有未持久化编辑的文档。
type Flusher interface {
	FlushDirty(ctx context.Context) int
}

// Autosaver 按 cron 表达式定时触发 FlushDirty。
type Autosaver struct {
	expr    string
	flusher Flusher
	log     *zap.Logger
	now     func() time.Time
	after   func(time.Duration) <-chan time.Time
}

func NewAutosaver(expr string, f Flusher, log *zap.Logger) (*Autosaver, error) {
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("invalid autosave cron expression: %q", expr)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Autosaver{expr: expr, flusher: f, log: log, now: time.Now, after: time.After}, nil
}

// Next 返回 ref 之后的下一次触发时间。
func (a *Autosaver) Next(ref time.Time) (time.Time, error) {
	return gronx.NextTickAfter(a.expr, ref, false)
}

// Run 阻塞直到 ctx 结束。
func (a *Autosaver) Run(ctx context.Context) {
	a.log.Info("autosave scheduler started", zap.String("cron", a.expr))
	for {
		if ctx.Err() != nil {
			a.log.Info("autosave scheduler stopping")
			return
		}
		next, err := a.Next(a.now())
		if err != nil {
			a.log.Error("autosave next tick failed", zap.String("cron", a.expr), zap.Error(err))
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ctx.Done():
			a.log.Info("autosave scheduler stopping")
			return
		case <-a.after(next.Sub(a.now())):
		}

		if n := a.flusher.FlushDirty(ctx); n > 0 {
			a.log.Info("autosave flushed", zap.Int("documents", n))
		}
	}
}
