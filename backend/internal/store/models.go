package store

import (
	"errors"
	"time"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrUsernameTaken    = errors.New("username already taken")
)

// Document 是文档的持久化记录。Body 对同步引擎是不透明的富文本序列化结果。
// Version 只在持久化保存时递增，缓存更新不影响它。
type Document struct {
	ID            string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Title         string         `gorm:"type:varchar(255);not null;default:Untitled" json:"title"`
	Body          string         `json:"body"`
	OwnerID       string         `gorm:"type:varchar(64);index" json:"ownerId"`
	Version       uint64         `gorm:"not null;default:0" json:"version"`
	Collaborators []Collaborator `gorm:"foreignKey:DocumentID;constraint:OnDelete:CASCADE" json:"collaborators"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

type Collaborator struct {
	DocumentID string    `gorm:"primaryKey;type:varchar(64)" json:"-"`
	UserID     string    `gorm:"primaryKey;type:varchar(64)" json:"userId"`
	Username   string    `gorm:"type:varchar(128)" json:"username"`
	CreatedAt  time.Time `json:"addedAt"`
}

func (Collaborator) TableName() string { return "document_collaborators" }

// Snapshot 每次持久化保存后追加一条，(document_id, version) 唯一。
type Snapshot struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	DocumentID string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_snapshot_doc_version" json:"docId"`
	Version    uint64    `gorm:"not null;uniqueIndex:idx_snapshot_doc_version" json:"version"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (Snapshot) TableName() string { return "document_snapshots" }

// User 是用户目录的记录。由外部 IdP 提供身份的用户只有 profile，没有密码。
type User struct {
	ID           string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Username     string    `gorm:"type:varchar(128);not null;uniqueIndex" json:"username"`
	Email        string    `gorm:"type:varchar(255);index" json:"email"`
	PasswordHash []byte    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
