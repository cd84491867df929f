package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"notecollab/backend/internal/collab"
	"notecollab/backend/internal/ot/delta"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("COLLAB_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("skip: COLLAB_TEST_MYSQL_DSN not set")
	}
	db, err := InitMySQL(dsn)
	if err != nil {
		t.Skipf("skip: mysql not available: %v", err)
	}
	return db
}

func TestDocumentStore_SaveAndLoad(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	s := NewDocumentStore(db)

	docID := uuid.NewString()
	now := time.Now().Truncate(time.Second)
	doc := collab.NewDocument(collab.Identity{TenantID: "t1", WorkspaceID: "w1", DocID: docID}, "plan", "alice", now)
	require.NoError(t, s.Create(ctx, doc))

	op1 := delta.Insert(0, "hi")
	op1.ID, op1.UserID, op1.Timestamp = uuid.NewString(), "alice", now
	v1 := *doc
	v1.History = []delta.Operation{op1}
	v1.Content, v1.Version = "hi", 1
	require.NoError(t, s.Save(ctx, &v1))

	op2 := delta.Delete(0, 1)
	op2.ID, op2.UserID, op2.BaseVersion, op2.Timestamp = uuid.NewString(), "bob", 1, now
	v2 := v1
	v2.History = []delta.Operation{op1, op2}
	v2.Content, v2.Version, v2.LastModifiedBy = "i", 2, "bob"
	require.NoError(t, s.Save(ctx, &v2))

	loaded, err := s.Load(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, "i", loaded.Content)
	assert.Equal(t, uint64(2), loaded.Version)
	require.Len(t, loaded.History, 2)
	assert.Equal(t, op2.ID, loaded.History[1].ID)
	assert.NoError(t, loaded.CheckInvariants())

	// 拿着 v1 再存一次：存储已经在 v2
	assert.ErrorIs(t, s.Save(ctx, &v1), collab.ErrVersionConflict)
}

func TestDocumentStore_LoadMissing(t *testing.T) {
	db := newTestDB(t)
	_, err := NewDocumentStore(db).Load(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, collab.ErrNotFound)
}

func TestSnapshotStore_DuplicateIgnored(t *testing.T) {
	db := newTestDB(t)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	s := NewSnapshotStore(sqlDB)

	docID := uuid.NewString()
	require.NoError(t, s.SaveSnapshot(context.Background(), docID, 3, "abc"))
	require.NoError(t, s.SaveSnapshot(context.Background(), docID, 3, "abc"))
}
