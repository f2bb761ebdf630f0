package access

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"collabsync/backend/internal/store"
)

type fakeMembership map[string]struct {
	owner  string
	collab []string
}

func (f fakeMembership) Membership(_ context.Context, docID, userID string) (string, bool, error) {
	if docID == "broken" {
		return "", false, errors.New("db down")
	}
	d, ok := f[docID]
	if !ok {
		return "", false, store.ErrDocumentNotFound
	}
	for _, u := range d.collab {
		if u == userID {
			return d.owner, true, nil
		}
	}
	return d.owner, false, nil
}

func TestChecker(t *testing.T) {
	c := NewChecker(fakeMembership{
		"d1":     {owner: "alice", collab: []string{"bob"}},
		"orphan": {owner: ""},
	})
	ctx := context.Background()

	assert.NoError(t, c.CanOpen(ctx, "d1", "alice"))
	assert.NoError(t, c.CanOpen(ctx, "d1", "bob"))
	assert.ErrorIs(t, c.CanOpen(ctx, "d1", "mallory"), ErrForbidden)
	assert.ErrorIs(t, c.CanOpen(ctx, "new-doc", "mallory"), store.ErrDocumentNotFound)
	assert.ErrorIs(t, c.CanOpen(ctx, "orphan", "mallory"), ErrForbidden)
	assert.Error(t, c.CanOpen(ctx, "broken", "alice"))

	// 协作连接允许加入尚不存在的文档，其余规则与 CanOpen 相同
	assert.NoError(t, c.CanJoin(ctx, "new-doc", "mallory"))
	assert.NoError(t, c.CanJoin(ctx, "d1", "bob"))
	assert.ErrorIs(t, c.CanJoin(ctx, "d1", "mallory"), ErrForbidden)
	assert.ErrorIs(t, c.CanJoin(ctx, "orphan", "mallory"), ErrForbidden)
	assert.Error(t, c.CanJoin(ctx, "broken", "alice"))

	assert.NoError(t, c.MustOwn(ctx, "d1", "alice"))
	assert.ErrorIs(t, c.MustOwn(ctx, "d1", "bob"), ErrForbidden)
	assert.ErrorIs(t, c.MustOwn(ctx, "missing", "alice"), store.ErrDocumentNotFound)
}
