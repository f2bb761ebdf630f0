package cache

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"collabsync/backend/internal/metrics"
)

// Loader 是缓存未命中时的回源读取。
type Loader interface {
	Load(ctx context.Context, docID string) (string, error)
}

// DocumentCache 是文档正文的 cache-aside 存储。
// 每次编辑只付一次 Redis 写的代价，持久化由显式保存负责。
type DocumentCache struct {
	rdb      redis.UniversalClient
	loader   Loader
	sf       singleflight.Group
	capacity int64
	keep     func(docID string) bool
	log      *zap.Logger
	metrics  *metrics.Collab
}

// NewDocumentCache capacity<=0 表示不做容量淘汰。
func NewDocumentCache(rdb redis.UniversalClient, loader Loader, capacity int64, log *zap.Logger, m *metrics.Collab) *DocumentCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &DocumentCache{rdb: rdb, loader: loader, capacity: capacity, log: log, metrics: m}
}

// KeepIf 设置淘汰时要保留的文档（例如有在线成员或未保存编辑）。须在开始服务前调用。
func (c *DocumentCache) KeepIf(fn func(docID string) bool) {
	c.keep = fn
}

// Evict 删除文档的缓存正文，用于文档被删除时。
func (c *DocumentCache) Evict(ctx context.Context, docID string) error {
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, docKey(docID))
	pipe.ZRem(ctx, recentKey(), docID)
	if _, err := pipe.Exec(ctx); err != nil {
		c.metrics.CacheError("evict")
		return err
	}
	return nil
}

// Get 返回缓存的正文；未命中时回源读取并写回缓存（空串也写回），不会向上返回"未命中"。
// Redis 读失败时直接回源，结果不写回。只有回源本身失败才返回错误。
func (c *DocumentCache) Get(ctx context.Context, docID string) (string, error) {
	// 同一文档并发未命中只回源一次
	v, err, _ := c.sf.Do(docID, func() (interface{}, error) {
		body, err := c.rdb.Get(ctx, docKey(docID)).Result()
		switch {
		case err == nil:
			c.touch(ctx, docID)
			return body, nil
		case errors.Is(err, redis.Nil):
			return c.seed(ctx, docID)
		default:
			c.metrics.CacheError("get")
			c.log.Warn("cache get failed, falling back to store", zap.String("docId", docID), zap.Error(err))
			return c.loader.Load(ctx, docID)
		}
	})
	if err != nil {
		return "", err
	}
	body, ok := v.(string)
	if !ok {
		return "", errors.New("internal type error")
	}
	return body, nil
}

// seed 回源并以 SETNX 写回：另一个进程可能已经写入了更新的编辑，不能覆盖。
func (c *DocumentCache) seed(ctx context.Context, docID string) (string, error) {
	body, err := c.loader.Load(ctx, docID)
	if err != nil {
		return "", err
	}
	ok, err := c.rdb.SetNX(ctx, docKey(docID), body, 0).Result()
	if err != nil {
		c.metrics.CacheError("seed")
		c.log.Warn("cache seed failed", zap.String("docId", docID), zap.Error(err))
		return body, nil
	}
	if !ok {
		if current, err := c.rdb.Get(ctx, docKey(docID)).Result(); err == nil {
			body = current
		}
	}
	c.touch(ctx, docID)
	return body, nil
}

// Set 无条件覆盖，不触发持久化。
func (c *DocumentCache) Set(ctx context.Context, docID string, body string) error {
	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, docKey(docID), body, 0)
	pipe.ZAdd(ctx, recentKey(), redis.Z{Score: float64(time.Now().UnixMilli()), Member: docID})
	if _, err := pipe.Exec(ctx); err != nil {
		c.metrics.CacheError("set")
		return err
	}
	c.evict(ctx)
	return nil
}

func (c *DocumentCache) touch(ctx context.Context, docID string) {
	err := c.rdb.ZAdd(ctx, recentKey(), redis.Z{Score: float64(time.Now().UnixMilli()), Member: docID}).Err()
	if err != nil {
		c.log.Debug("cache touch failed", zap.String("docId", docID), zap.Error(err))
		return
	}
	c.evict(ctx)
}

// evict 超出容量时淘汰最久未访问的文档。keep 命中的文档放回索引，本轮不淘汰，
// 因此缓存可能暂时超出容量。
func (c *DocumentCache) evict(ctx context.Context) {
	if c.capacity <= 0 {
		return
	}
	n, err := c.rdb.ZCard(ctx, recentKey()).Result()
	if err != nil || n <= c.capacity {
		return
	}
	victims, err := c.rdb.ZPopMin(ctx, recentKey(), n-c.capacity).Result()
	if err != nil {
		c.log.Warn("cache evict failed", zap.Error(err))
		return
	}
	for _, z := range victims {
		docID, _ := z.Member.(string)
		if docID == "" {
			continue
		}
		if c.keep != nil && c.keep(docID) {
			err := c.rdb.ZAdd(ctx, recentKey(), redis.Z{Score: float64(time.Now().UnixMilli()), Member: docID}).Err()
			if err != nil {
				c.log.Warn("cache evict requeue failed", zap.String("docId", docID), zap.Error(err))
			}
			continue
		}
		if err := c.rdb.Del(ctx, docKey(docID)).Err(); err != nil {
			c.log.Warn("cache evict del failed", zap.String("docId", docID), zap.Error(err))
			continue
		}
		c.log.Debug("cache evicted", zap.String("docId", docID))
	}
}
