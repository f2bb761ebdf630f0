// Package access 判断用户能否打开或管理一个文档。
package access

import (
	"context"
	"errors"

	"collabsync/backend/internal/store"
)

var ErrForbidden = errors.New("access denied")

// Membership 查询文档的所有者与协作者关系，由 store.DocumentStore 实现。
type Membership interface {
	Membership(ctx context.Context, docID, userID string) (ownerID string, collaborator bool, err error)
}

type Checker struct {
	m Membership
}

func NewChecker(m Membership) *Checker {
	return &Checker{m: m}
}

// CanOpen 所有者或协作者可以读取文档。文档不存在时返回 store.ErrDocumentNotFound；
// 没有所有者的文档不对任何人开放。
func (c *Checker) CanOpen(ctx context.Context, docID, userID string) error {
	owner, collaborator, err := c.m.Membership(ctx, docID, userID)
	if err != nil {
		return err
	}
	if owner != "" && (owner == userID || collaborator) {
		return nil
	}
	return ErrForbidden
}

// CanJoin 用于建立协作连接。与 CanOpen 相同，但尚不存在的文档对已登录用户开放，
// 第一次保存时以保存者为所有者创建它。
func (c *Checker) CanJoin(ctx context.Context, docID, userID string) error {
	err := c.CanOpen(ctx, docID, userID)
	if errors.Is(err, store.ErrDocumentNotFound) {
		return nil
	}
	return err
}

// MustOwn 只有所有者可以删除文档或管理协作者。文档不存在时返回 store.ErrDocumentNotFound。
func (c *Checker) MustOwn(ctx context.Context, docID, userID string) error {
	owner, _, err := c.m.Membership(ctx, docID, userID)
	if err != nil {
		return err
	}
	if owner != userID {
		return ErrForbidden
	}
	return nil
}
