package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DocumentStore 是文档元数据与协作者的 CRUD。正文的读写走 Gateway。
type DocumentStore struct{ db *gorm.DB }

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) CreateDocument(ctx context.Context, doc *Document) error {
	return s.db.WithContext(ctx).Create(doc).Error
}

func (s *DocumentStore) GetDocument(ctx context.Context, docID string) (*Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).Preload("Collaborators").Where("id = ?", docID).Take(&doc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDocumentNotFound
		}
		return nil, err
	}
	return &doc, nil
}

// ListForUser 返回用户拥有或参与协作的文档（不含正文）。
func (s *DocumentStore) ListForUser(ctx context.Context, userID string) ([]Document, error) {
	var docs []Document
	sub := s.db.Model(&Collaborator{}).Select("document_id").Where("user_id = ?", userID)
	err := s.db.WithContext(ctx).
		Omit("body").
		Preload("Collaborators").
		Where("owner_id = ?", userID).
		Or("id IN (?)", sub).
		Order("updated_at DESC").
		Find(&docs).Error
	return docs, err
}

func (s *DocumentStore) RenameDocument(ctx context.Context, docID, title string) error {
	res := s.db.WithContext(ctx).Model(&Document{}).Where("id = ?", docID).Update("title", title)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// DeleteDocument 删除文档及其协作者和历史快照。
func (s *DocumentStore) DeleteDocument(ctx context.Context, docID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", docID).Delete(&Collaborator{}).Error; err != nil {
			return err
		}
		if err := tx.Where("document_id = ?", docID).Delete(&Snapshot{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", docID).Delete(&Document{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrDocumentNotFound
		}
		return nil
	})
}

// AddCollaborator 幂等：已存在时只更新显示名。
func (s *DocumentStore) AddCollaborator(ctx context.Context, docID, userID, username string) error {
	c := Collaborator{DocumentID: docID, UserID: userID, Username: username}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username"}),
	}).Create(&c).Error
}

func (s *DocumentStore) RemoveCollaborator(ctx context.Context, docID, userID string) error {
	return s.db.WithContext(ctx).
		Where("document_id = ? AND user_id = ?", docID, userID).
		Delete(&Collaborator{}).Error
}

func (s *DocumentStore) Collaborators(ctx context.Context, docID string) ([]Collaborator, error) {
	var out []Collaborator
	err := s.db.WithContext(ctx).Where("document_id = ?", docID).Order("created_at").Find(&out).Error
	return out, err
}

// Membership 返回文档的所有者，以及 userID 是否在协作者集合中。
// 文档不存在时返回 ErrDocumentNotFound。
func (s *DocumentStore) Membership(ctx context.Context, docID, userID string) (ownerID string, collaborator bool, err error) {
	var doc Document
	err = s.db.WithContext(ctx).Select("id", "owner_id").Where("id = ?", docID).Take(&doc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, ErrDocumentNotFound
		}
		return "", false, err
	}
	var n int64
	err = s.db.WithContext(ctx).Model(&Collaborator{}).
		Where("document_id = ? AND user_id = ?", docID, userID).
		Count(&n).Error
	if err != nil {
		return "", false, err
	}
	return doc.OwnerID, n > 0, nil
}
