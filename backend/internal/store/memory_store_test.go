package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notecollab/backend/internal/collab"
	"notecollab/backend/internal/ot/delta"
)

func TestMemoryStore_RoundTripIsolated(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	doc := collab.NewDocument(collab.Identity{TenantID: "t1", WorkspaceID: "w1", DocID: "d1"}, "notes", "alice", time.Now())
	require.NoError(t, s.Create(ctx, doc))

	loaded, err := s.Load(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "notes", loaded.Title)

	// 改拷贝不影响存储
	loaded.Content = "mutated"
	again, err := s.Load(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(t, again.Content)
}

func TestMemoryStore_Errors(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Load(ctx, "missing")
	assert.ErrorIs(t, err, collab.ErrNotFound)

	doc := collab.NewDocument(collab.Identity{DocID: "d1"}, "", "alice", time.Now())
	require.NoError(t, s.Create(ctx, doc))
	assert.Error(t, s.Create(ctx, doc), "duplicate create")

	next := doc.Clone()
	next.History = append(next.History, delta.Insert(0, "x"))
	next.Content, next.Version = "x", 1
	require.NoError(t, s.Save(ctx, next))

	stale := doc.Clone()
	assert.ErrorIs(t, s.Save(ctx, stale), collab.ErrVersionConflict)

	s.SetFailSave(errors.New("disk full"))
	assert.EqualError(t, s.Save(ctx, next), "disk full")

	loads, saves := s.Stats()
	assert.Equal(t, 1, loads)
	assert.Equal(t, 1, saves)
}

func TestMemoryStore_SnapshotKeepsFirstWrite(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.SaveSnapshot(ctx, "d1", 3, "abc"))
	require.NoError(t, s.SaveSnapshot(ctx, "d1", 3, "zzz"))

	content, ok := s.SnapshotAt("d1", 3)
	require.True(t, ok)
	assert.Equal(t, "abc", content)
	_, ok = s.SnapshotAt("d1", 4)
	assert.False(t, ok)
}
