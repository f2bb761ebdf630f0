package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	return newTestDBWithLog(t, nil)
}

func newTestDBWithLog(t *testing.T, log *zap.Logger) *gorm.DB {
	t.Helper()
	db, err := Open("sqlite", filepath.Join(t.TempDir(), "collab.db"), log)
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// sqlite 单写者，避免并发写时 database is locked
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func TestGateway_LoadMissingIsEmpty(t *testing.T) {
	g := NewGateway(newTestDB(t), nil, nil)
	body, err := g.Load(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, "", body)
}

func TestGateway_SaveCreatesAndIncrementsVersion(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	g := NewGateway(db, NewSnapshotStore(db), nil)

	v, err := g.Save(ctx, "d1", "Hello", "u1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	body, err := g.Load(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", body)

	// 相同内容重复保存：正文不变，版本各加一
	v, err = g.Save(ctx, "d1", "Hello", "u1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)
	v, err = g.Save(ctx, "d1", "Hello", "u1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v)

	body, err = g.Load(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", body)

	snaps, err := NewSnapshotStore(db).List(ctx, "d1", 10)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, uint64(3), snaps[0].Version)
}

func TestGateway_SaveKeepsExistingMetadata(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	docs := NewDocumentStore(db)
	require.NoError(t, docs.CreateDocument(ctx, &Document{ID: "d1", Title: "Plan", OwnerID: "u1", Version: 4}))

	v, err := NewGateway(db, nil, nil).Save(ctx, "d1", "body", "someone-else")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v)

	doc, err := docs.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "Plan", doc.Title)
	assert.Equal(t, "u1", doc.OwnerID)
	assert.Equal(t, "body", doc.Body)
}

func TestGateway_SaveAssignsOwnerOnCreate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	g := NewGateway(db, nil, nil)

	_, err := g.Save(ctx, "fresh", "first", "alice")
	require.NoError(t, err)
	_, err = g.Save(ctx, "fresh", "second", "bob")
	require.NoError(t, err)

	owner, _, err := NewDocumentStore(db).Membership(ctx, "fresh", "bob")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)
}

func TestGateway_ConcurrentSavesDifferentDocs(t *testing.T) {
	db := newTestDB(t)
	g := NewGateway(db, nil, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := g.Save(ctx, id, "body-"+id, "u1")
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	for _, id := range []string{"a", "b", "c", "d"} {
		body, err := g.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "body-"+id, body)
	}
}

func TestSnapshotStore_DuplicateIgnored(t *testing.T) {
	db := newTestDB(t)
	s := NewSnapshotStore(db)
	ctx := context.Background()

	require.NoError(t, s.SaveDocumentSnapshot(ctx, "d1", 1, "a"))
	require.NoError(t, s.SaveDocumentSnapshot(ctx, "d1", 1, "a"))

	snaps, err := s.List(ctx, "d1", 0)
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

func TestDocumentStore_CRUDAndMembership(t *testing.T) {
	db := newTestDB(t)
	s := NewDocumentStore(db)
	ctx := context.Background()

	require.NoError(t, s.CreateDocument(ctx, &Document{ID: "d1", Title: "One", OwnerID: "owner"}))
	require.NoError(t, s.CreateDocument(ctx, &Document{ID: "d2", Title: "Two", OwnerID: "other"}))
	require.NoError(t, s.AddCollaborator(ctx, "d2", "owner", "Owner Name"))
	// 重复添加只更新显示名
	require.NoError(t, s.AddCollaborator(ctx, "d2", "owner", "Renamed"))

	collabs, err := s.Collaborators(ctx, "d2")
	require.NoError(t, err)
	require.Len(t, collabs, 1)
	assert.Equal(t, "Renamed", collabs[0].Username)

	docs, err := s.ListForUser(ctx, "owner")
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	owner, member, err := s.Membership(ctx, "d2", "owner")
	require.NoError(t, err)
	assert.Equal(t, "other", owner)
	assert.True(t, member)

	_, member, err = s.Membership(ctx, "d1", "stranger")
	require.NoError(t, err)
	assert.False(t, member)

	_, _, err = s.Membership(ctx, "nope", "owner")
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	require.NoError(t, s.RenameDocument(ctx, "d1", "Uno"))
	assert.ErrorIs(t, s.RenameDocument(ctx, "nope", "x"), ErrDocumentNotFound)

	require.NoError(t, s.RemoveCollaborator(ctx, "d2", "owner"))
	docs, err = s.ListForUser(ctx, "owner")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Uno", docs[0].Title)

	require.NoError(t, s.DeleteDocument(ctx, "d1"))
	_, err = s.GetDocument(ctx, "d1")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
	assert.ErrorIs(t, s.DeleteDocument(ctx, "d1"), ErrDocumentNotFound)
}

func TestDocumentStore_DeleteRemovesSnapshots(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	docs := NewDocumentStore(db)
	snaps := NewSnapshotStore(db)
	require.NoError(t, docs.CreateDocument(ctx, &Document{ID: "d1", OwnerID: "alice"}))
	_, err := NewGateway(db, snaps, nil).Save(ctx, "d1", "secret", "alice")
	require.NoError(t, err)

	list, err := snaps.List(ctx, "d1", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, docs.DeleteDocument(ctx, "d1"))
	list, err = snaps.List(ctx, "d1", 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestOpen_LogsThroughZapWithoutNotFoundNoise(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	db := newTestDBWithLog(t, zap.New(core))
	ctx := context.Background()
	logs.TakeAll()

	_, err := NewGateway(db, nil, nil).Load(ctx, "missing")
	require.NoError(t, err)
	_, _, err = NewDocumentStore(db).Membership(ctx, "missing", "u1")
	require.ErrorIs(t, err, ErrDocumentNotFound)
	assert.Equal(t, 0, logs.Len())

	// 真正的 SQL 错误仍然记录
	var doc Document
	require.Error(t, db.WithContext(ctx).Table("no_such_table").Take(&doc).Error)
	assert.Greater(t, logs.FilterLoggerName("gorm").Len(), 0)
}

func TestUserStore(t *testing.T) {
	s := NewUserStore(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, &User{ID: "u1", Username: "alice", PasswordHash: []byte("h")}))
	assert.ErrorIs(t, s.CreateUser(ctx, &User{ID: "u2", Username: "alice"}), ErrUsernameTaken)

	require.NoError(t, s.UpsertProfile(ctx, &User{ID: "u3", Username: "bob", Email: "bob@example.com"}))
	require.NoError(t, s.UpsertProfile(ctx, &User{ID: "u3", Username: "bobby", Email: "bob@example.com"}))

	u, err := s.GetUserByUsername(ctx, "bobby")
	require.NoError(t, err)
	assert.Equal(t, "u3", u.ID)

	_, err = s.GetUserByUsername(ctx, "carol")
	assert.ErrorIs(t, err, ErrUserNotFound)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 2)
}
