package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Gateway 是文档正文的持久化读写入口：缓存未命中时回源读取，显式保存时写入。
type Gateway struct {
	db        *gorm.DB
	snapshots *SnapshotStore
	log       *zap.Logger
}

func NewGateway(db *gorm.DB, snapshots *SnapshotStore, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{db: db, snapshots: snapshots, log: log}
}

// Load 返回持久化的正文；文档不存在或没有内容时返回空串。
// 逻辑上还不存在的文档也允许加入协作，首次保存时才落库。
func (g *Gateway) Load(ctx context.Context, docID string) (string, error) {
	var doc Document
	err := g.db.WithContext(ctx).Select("body").Where("id = ?", docID).Take(&doc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return doc.Body, nil
}

// Save 以 upsert 写入正文并把 version 加一，返回新的版本号。
// 文档不存在时以 ownerID 为所有者创建；已存在时不改所有者。
// 同一文档的多次调用由同步引擎串行发出，这里不再加锁。
func (g *Gateway) Save(ctx context.Context, docID, body, ownerID string) (uint64, error) {
	var version uint64
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		doc := Document{ID: docID, Title: "Untitled", Body: body, OwnerID: ownerID, Version: 1}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"body":       body,
				"version":    gorm.Expr("version + 1"),
				"updated_at": time.Now(),
			}),
		}).Create(&doc).Error
		if err != nil {
			return err
		}
		return tx.Model(&Document{}).Select("version").Where("id = ?", docID).Scan(&version).Error
	})
	if err != nil {
		return 0, err
	}

	if g.snapshots != nil {
		// 快照只是历史记录，失败不影响本次保存结果
		if err := g.snapshots.SaveDocumentSnapshot(ctx, docID, version, body); err != nil {
			g.log.Warn("save snapshot failed", zap.String("docId", docID), zap.Uint64("version", version), zap.Error(err))
		}
	}
	return version, nil
}
