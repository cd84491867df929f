package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTracker_PresenceStatus(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	st := tr.UpdatePresence(ctx, "doc-1", "alice", true)
	assert.Equal(t, StatusOnline, st.Status)

	st = tr.UpdatePresence(ctx, "doc-1", "alice", false)
	assert.Equal(t, StatusAway, st.Status)
	assert.Equal(t, StatusAway, tr.PresenceOf("doc-1", "alice").Status)

	clock.Advance(time.Minute)
	assert.Equal(t, StatusOffline, tr.PresenceOf("doc-1", "alice").Status, "read after TTL reports OFFLINE lazily")
	assert.Equal(t, 0, tr.Count("doc-1"))

	assert.Equal(t, StatusOffline, tr.PresenceOf("doc-1", "nobody").Status)
}

func TestTracker_SweepReclaimsExpired(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(5*time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	tr.UpdatePresence(ctx, "doc-1", "alice", true)
	tr.UpdatePresence(ctx, "doc-1", "bob", true)
	tr.UpdateCursor(ctx, "doc-1", "alice", 3, 7)

	// bob 每分钟刷新一次，alice 不再刷新
	for i := 0; i < 5; i++ {
		clock.Advance(time.Minute)
		tr.UpdatePresence(ctx, "doc-1", "bob", true)
	}

	reclaimed := tr.Sweep()
	require.Len(t, reclaimed, 1)
	assert.Equal(t, "alice", reclaimed[0].UserID)
	assert.Equal(t, StatusOffline, reclaimed[0].Status)
	assert.False(t, reclaimed[0].Active)

	assert.Equal(t, StatusOnline, tr.PresenceOf("doc-1", "bob").Status)
	assert.Equal(t, 1, tr.Count("doc-1"))
	assert.Empty(t, tr.Cursors("doc-1"))

	// 已经回收的不会再报一次
	assert.Empty(t, tr.Sweep())
}

func TestTracker_RefreshedEntryNeverExpires(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		tr.UpdatePresence(ctx, "doc-1", "alice", true)
		clock.Advance(30 * time.Second)
		assert.Empty(t, tr.Sweep())
	}
	assert.Equal(t, StatusOnline, tr.PresenceOf("doc-1", "alice").Status)
}

func TestTracker_RemoveUser(t *testing.T) {
	tr := NewTracker(time.Minute)
	ctx := context.Background()

	tr.UpdatePresence(ctx, "doc-1", "alice", true)
	tr.UpdateCursor(ctx, "doc-1", "alice", 1, 2)
	tr.UpdatePresence(ctx, "doc-2", "alice", true)

	st, ok := tr.RemoveUser(ctx, "doc-1", "alice")
	assert.True(t, ok)
	assert.Equal(t, StatusOffline, st.Status)
	assert.Empty(t, tr.Presence("doc-1"))
	assert.Empty(t, tr.Cursors("doc-1"))
	assert.Equal(t, 1, tr.Count("doc-2"), "other documents untouched")

	_, ok = tr.RemoveUser(ctx, "doc-1", "alice")
	assert.False(t, ok)
}

func TestTracker_CursorOverwrite(t *testing.T) {
	tr := NewTracker(time.Minute)
	ctx := context.Background()

	tr.UpdateCursor(ctx, "doc-1", "bob", 1, 1)
	tr.UpdateCursor(ctx, "doc-1", "alice", 2, 0)
	tr.UpdateCursor(ctx, "doc-1", "bob", 4, 9)

	cursors := tr.Cursors("doc-1")
	require.Len(t, cursors, 2)
	assert.Equal(t, "alice", cursors[0].UserID)
	assert.Equal(t, 4, cursors[1].Line)
	assert.Equal(t, 9, cursors[1].Column)
}

type failingMirror struct {
	PresenceCache
	calls int
}

func (m *failingMirror) AddMember(context.Context, string, string, PresenceStatus, time.Duration) error {
	m.calls++
	return errors.New("redis down")
}

func TestTracker_MirrorFailureIsNotFatal(t *testing.T) {
	mirror := &failingMirror{}
	tr := NewTracker(time.Minute, WithMirror(mirror), WithLogger(zaptest.NewLogger(t)))

	st := tr.UpdatePresence(context.Background(), "doc-1", "alice", true)
	assert.Equal(t, StatusOnline, st.Status)
	assert.Equal(t, 1, mirror.calls)
	assert.Equal(t, 1, tr.Count("doc-1"))
}

// memMirror 内存里的镜像，alive 模拟其他实例写入的成员
type memMirror struct {
	mu      sync.Mutex
	alive   map[string][]PresenceMember
	removed []string
	purged  []string
}

func newMemMirror() *memMirror {
	return &memMirror{alive: make(map[string][]PresenceMember)}
}

func (m *memMirror) AddMember(context.Context, string, string, PresenceStatus, time.Duration) error {
	return nil
}

func (m *memMirror) RemoveMember(_ context.Context, docID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, docID+"/"+userID)
	return nil
}

func (m *memMirror) GetDocuments(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := make([]string, 0, len(m.alive))
	for id := range m.alive {
		docs = append(docs, id)
	}
	return docs, nil
}

func (m *memMirror) GetAliveMembers(_ context.Context, docID string) ([]PresenceMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive[docID], nil
}

func (m *memMirror) PurgeExpired(_ context.Context, docID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purged = append(m.purged, docID)
	return 0, nil
}

func (m *memMirror) SetCursor(context.Context, string, string, []byte, time.Duration) error {
	return nil
}

func TestTracker_SweepRemovesReclaimedFromMirror(t *testing.T) {
	clock := newFakeClock()
	mirror := newMemMirror()
	mirror.alive["doc-9"] = []PresenceMember{{UserID: "zed", Status: StatusOnline}}
	tr := NewTracker(time.Minute, WithClock(clock.Now), WithMirror(mirror), WithLogger(zaptest.NewLogger(t)))
	ctx := context.Background()

	tr.UpdatePresence(ctx, "doc-1", "alice", true)
	tr.UpdatePresence(ctx, "doc-2", "bob", true)
	clock.Advance(30 * time.Second)
	tr.UpdatePresence(ctx, "doc-2", "carol", true)
	clock.Advance(45 * time.Second)

	reclaimed := tr.Sweep()
	require.Len(t, reclaimed, 2)
	assert.Equal(t, []string{"doc-1/alice", "doc-2/bob"}, mirror.removed)
	assert.Equal(t, []string{"doc-9"}, mirror.purged)
}

func TestTracker_CountSeesOtherInstances(t *testing.T) {
	mirror := newMemMirror()
	tr := NewTracker(time.Minute, WithMirror(mirror))
	ctx := context.Background()

	assert.Equal(t, 0, tr.Count("doc-1"))

	mirror.alive["doc-1"] = []PresenceMember{{UserID: "remote", Status: StatusOnline}}
	assert.Equal(t, 1, tr.Count("doc-1"))

	tr.UpdatePresence(ctx, "doc-1", "alice", true)
	tr.UpdatePresence(ctx, "doc-1", "bob", false)
	assert.Equal(t, 2, tr.Count("doc-1"), "local entries take precedence")
}

func TestTracker_ConcurrentUpdates(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			uid := string(rune('a' + i))
			for j := 0; j < 200; j++ {
				tr.UpdatePresence(ctx, "doc-1", uid, true)
				tr.UpdateCursor(ctx, "doc-1", uid, j, j)
				if j%50 == 0 {
					tr.RemoveUser(ctx, "doc-1", uid)
				}
				tr.Sweep()
			}
			tr.UpdatePresence(ctx, "doc-1", uid, true)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 8, tr.Count("doc-1"))
}
