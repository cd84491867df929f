package collab

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"notecollab/backend/internal/cache"
)

// memStore 测试用存储；store 包依赖 collab，这里不能直接用它的 MemoryStore
type memStore struct {
	mu      sync.Mutex
	docs    map[string]*Document
	failErr error
	delay   time.Duration
	loads   atomic.Int32
}

func newMemStore(docs ...*Document) *memStore {
	s := &memStore{docs: make(map[string]*Document)}
	for _, d := range docs {
		s.docs[d.DocID] = d.Clone()
	}
	return s
}

func (s *memStore) Load(_ context.Context, docID string) (*Document, error) {
	s.loads.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[docID]
	if !ok {
		return nil, &NotFoundError{DocID: docID}
	}
	return d.Clone(), nil
}

func (s *memStore) Save(_ context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	if prev, ok := s.docs[doc.DocID]; ok && prev.Version >= doc.Version {
		return &VersionConflictError{DocID: doc.DocID, BaseVersion: doc.Version - 1, CurrentVersion: prev.Version}
	}
	s.docs[doc.DocID] = doc.Clone()
	return nil
}

func (s *memStore) Create(_ context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.DocID] = doc.Clone()
	return nil
}

func (s *memStore) setFail(err error) {
	s.mu.Lock()
	s.failErr = err
	s.mu.Unlock()
}

func (s *memStore) stored(docID string) *Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs[docID].Clone()
}

// recordingGateway 记录所有广播和回执
type recordingGateway struct {
	mu       sync.Mutex
	changes  []AppliedOp
	presence []cache.PresenceState
	cursors  []cache.CursorState
	acks     map[string][]Ack
}

func newRecordingGateway() *recordingGateway {
	return &recordingGateway{acks: make(map[string][]Ack)}
}

func (g *recordingGateway) BroadcastChange(_ string, op AppliedOp) {
	g.mu.Lock()
	g.changes = append(g.changes, op)
	g.mu.Unlock()
}

func (g *recordingGateway) BroadcastPresence(_ string, st cache.PresenceState) {
	g.mu.Lock()
	g.presence = append(g.presence, st)
	g.mu.Unlock()
}

func (g *recordingGateway) BroadcastCursor(_ string, st cache.CursorState) {
	g.mu.Lock()
	g.cursors = append(g.cursors, st)
	g.mu.Unlock()
}

func (g *recordingGateway) NotifySender(userID string, ack Ack) {
	g.mu.Lock()
	g.acks[userID] = append(g.acks[userID], ack)
	g.mu.Unlock()
}

func (g *recordingGateway) changeVersions() []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]uint64, 0, len(g.changes))
	for _, c := range g.changes {
		out = append(out, c.Version)
	}
	return out
}

func (g *recordingGateway) acksFor(userID string) []Ack {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Ack(nil), g.acks[userID]...)
}

type recordingSink struct {
	mu     sync.Mutex
	events []DocOpEvent
}

func (r *recordingSink) TryEnqueue(evt DocOpEvent) bool {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	return true
}

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

type staticCounter map[string]int

func (s staticCounter) Count(docID string) int { return s[docID] }

func emptyDoc(docID string) *Document {
	return NewDocument(Identity{TenantID: "t1", WorkspaceID: "w1", DocID: docID}, "note", "alice", time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
}
