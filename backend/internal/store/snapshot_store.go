package store

import (
	"context"
	"errors"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

type SnapshotStore struct{ db *gorm.DB }

func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// SaveDocumentSnapshot 追加一条快照；同一 (document_id, version) 重复写入视为成功。
func (s *SnapshotStore) SaveDocumentSnapshot(ctx context.Context, docID string, version uint64, body string) error {
	err := s.db.WithContext(ctx).Exec(
		`INSERT INTO document_snapshots (document_id, version, body, created_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)`,
		docID,
		version,
		body,
	).Error
	if err != nil {
		if isDuplicateKey(err) {
			return nil
		}
		return err
	}
	return nil
}

// List 按版本倒序返回最近 limit 条快照。
func (s *SnapshotStore) List(ctx context.Context, docID string, limit int) ([]Snapshot, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var out []Snapshot
	err := s.db.WithContext(ctx).
		Where("document_id = ?", docID).
		Order("version DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// 1062 = duplicate key
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
