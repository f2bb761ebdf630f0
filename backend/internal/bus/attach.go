package bus

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

// Attach 尝试订阅 b，失败按指数退避重试 retries 次。
// 仍然失败时返回 Local：跨实例广播不可用不影响本实例的协作。
func Attach(ctx context.Context, b Bus, h Handler, retries int, log *zap.Logger) Bus {
	if log == nil {
		log = zap.NewNop()
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = 10 * time.Second
	if retries < 0 {
		retries = 0
	}

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := b.Subscribe(ctx, h)
		if err != nil {
			log.Warn("bus attach failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}, backoff.WithMaxRetries(policy, uint64(retries)))
	if err != nil {
		log.Error("bus unavailable, running with local fan-out only", zap.Error(err))
		_ = b.Close()
		return NewLocal(b.Origin())
	}
	log.Info("bus attached", zap.String("origin", b.Origin()))
	return b
}
