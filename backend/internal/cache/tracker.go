package cache

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultPresenceTTL 多久没有刷新就算离线
const DefaultPresenceTTL = 5 * time.Minute

const (
	mirrorTimeout      = 500 * time.Millisecond
	mirrorSweepTimeout = 5 * time.Second
)

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "ONLINE"
	StatusAway    PresenceStatus = "AWAY"
	StatusOffline PresenceStatus = "OFFLINE"
)

type PresenceState struct {
	DocID    string         `json:"docId"`
	UserID   string         `json:"userId"`
	Active   bool           `json:"active"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"lastSeen"`
}

type CursorState struct {
	DocID     string    `json:"docId"`
	UserID    string    `json:"userId"`
	Line      int       `json:"line"`
	Column    int       `json:"column"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// room 一篇文档的在线状态和光标，自带锁，和文档的提交通道互不干扰
type room struct {
	mu       sync.Mutex
	presence map[string]PresenceState
	cursors  map[string]CursorState
	dead     bool // 已经从 rooms 里摘掉，写入方需要重新取
}

func newRoom() *room {
	return &room{
		presence: make(map[string]PresenceState),
		cursors:  make(map[string]CursorState),
	}
}

func (r *room) emptyLocked() bool {
	return len(r.presence) == 0 && len(r.cursors) == 0
}

// Tracker 进程内的在线状态/光标表。
// 过期判断有两条路径：读的时候按 lastSeen 现算状态，Sweep 定期把过期条目真正删掉。
type Tracker struct {
	ttl    time.Duration
	now    func() time.Time
	mirror PresenceCache
	logger *zap.Logger

	mu    sync.RWMutex
	rooms map[string]*room
}

type TrackerOption func(*Tracker)

// WithClock 注入时钟，测试用
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithMirror 把状态同步写到 Redis
func WithMirror(mirror PresenceCache) TrackerOption {
	return func(t *Tracker) { t.mirror = mirror }
}

func WithLogger(logger *zap.Logger) TrackerOption {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func NewTracker(ttl time.Duration, opts ...TrackerOption) *Tracker {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	t := &Tracker{
		ttl:    ttl,
		now:    time.Now,
		logger: zap.NewNop(),
		rooms:  make(map[string]*room),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) TTL() time.Duration { return t.ttl }

func (t *Tracker) room(docID string, create bool) *room {
	t.mu.RLock()
	r := t.rooms[docID]
	t.mu.RUnlock()
	if r != nil || !create {
		return r
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if r = t.rooms[docID]; r == nil {
		r = newRoom()
		t.rooms[docID] = r
	}
	return r
}

// write 在文档的 room 上执行 fn；room 恰好被回收时重新取一个
func (t *Tracker) write(docID string, fn func(r *room)) {
	for {
		r := t.room(docID, true)
		r.mu.Lock()
		if r.dead {
			r.mu.Unlock()
			continue
		}
		fn(r)
		r.mu.Unlock()
		return
	}
}

// status 按 lastSeen 现算状态
func (t *Tracker) status(p PresenceState, now time.Time) PresenceStatus {
	if now.Sub(p.LastSeen) >= t.ttl {
		return StatusOffline
	}
	if p.Active {
		return StatusOnline
	}
	return StatusAway
}

// UpdatePresence 插入或刷新一条在线状态；active=false 立即变成 AWAY
func (t *Tracker) UpdatePresence(ctx context.Context, docID, userID string, active bool) PresenceState {
	now := t.now()
	state := PresenceState{DocID: docID, UserID: userID, Active: active, LastSeen: now}
	state.Status = t.status(state, now)

	t.write(docID, func(r *room) { r.presence[userID] = state })

	if t.mirror != nil {
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
		defer cancel()
		if err := t.mirror.AddMember(mctx, docID, userID, state.Status, t.ttl); err != nil {
			t.logger.Warn("presence mirror write failed", zap.String("doc_id", docID), zap.String("user_id", userID), zap.Error(err))
		}
	}
	return state
}

// UpdateCursor 插入或覆盖光标，同时刷新它的 TTL
func (t *Tracker) UpdateCursor(ctx context.Context, docID, userID string, line, column int) CursorState {
	cursor := CursorState{DocID: docID, UserID: userID, Line: line, Column: column, UpdatedAt: t.now()}

	t.write(docID, func(r *room) { r.cursors[userID] = cursor })

	if t.mirror != nil {
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
		defer cancel()
		b, _ := json.Marshal(cursor)
		if err := t.mirror.SetCursor(mctx, docID, userID, b, t.ttl); err != nil {
			t.logger.Warn("cursor mirror write failed", zap.String("doc_id", docID), zap.String("user_id", userID), zap.Error(err))
		}
	}
	return cursor
}

// RemoveUser 无条件删除该用户在文档上的在线状态和光标，返回删除前的状态
func (t *Tracker) RemoveUser(ctx context.Context, docID, userID string) (PresenceState, bool) {
	var (
		state PresenceState
		ok    bool
	)
	if r := t.room(docID, false); r != nil {
		r.mu.Lock()
		state, ok = r.presence[userID]
		delete(r.presence, userID)
		delete(r.cursors, userID)
		empty := r.emptyLocked()
		r.mu.Unlock()
		if empty {
			t.dropRoomIfEmpty(docID, r)
		}
	}

	if t.mirror != nil {
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
		defer cancel()
		if err := t.mirror.RemoveMember(mctx, docID, userID); err != nil {
			t.logger.Warn("presence mirror remove failed", zap.String("doc_id", docID), zap.String("user_id", userID), zap.Error(err))
		}
	}

	state.DocID, state.UserID = docID, userID
	state.Active = false
	state.Status = StatusOffline
	return state, ok
}

// Sweep 删除超过 TTL 没有刷新的条目，被回收的在线状态以 OFFLINE 返回
func (t *Tracker) Sweep() []PresenceState {
	now := t.now()

	t.mu.RLock()
	docIDs := make([]string, 0, len(t.rooms))
	rooms := make([]*room, 0, len(t.rooms))
	for id, r := range t.rooms {
		docIDs = append(docIDs, id)
		rooms = append(rooms, r)
	}
	t.mu.RUnlock()

	var reclaimed []PresenceState
	for i, r := range rooms {
		r.mu.Lock()
		for uid, p := range r.presence {
			if now.Sub(p.LastSeen) < t.ttl {
				continue
			}
			delete(r.presence, uid)
			p.Active = false
			p.Status = StatusOffline
			reclaimed = append(reclaimed, p)
		}
		for uid, c := range r.cursors {
			if now.Sub(c.UpdatedAt) >= t.ttl {
				delete(r.cursors, uid)
			}
		}
		empty := r.emptyLocked()
		r.mu.Unlock()
		if empty {
			t.dropRoomIfEmpty(docIDs[i], r)
		}
	}

	sort.Slice(reclaimed, func(i, j int) bool {
		if reclaimed[i].DocID != reclaimed[j].DocID {
			return reclaimed[i].DocID < reclaimed[j].DocID
		}
		return reclaimed[i].UserID < reclaimed[j].UserID
	})
	if t.mirror != nil {
		t.sweepMirror(reclaimed)
	}
	return reclaimed
}

// sweepMirror 本地回收的成员从镜像里删掉，再清一遍镜像里所有文档的过期成员（包括已经下线的实例写进去的）
func (t *Tracker) sweepMirror(reclaimed []PresenceState) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorSweepTimeout)
	defer cancel()

	for _, p := range reclaimed {
		if err := t.mirror.RemoveMember(ctx, p.DocID, p.UserID); err != nil {
			t.logger.Warn("presence mirror remove failed", zap.String("doc_id", p.DocID), zap.String("user_id", p.UserID), zap.Error(err))
		}
	}

	docs, err := t.mirror.GetDocuments(ctx)
	if err != nil {
		t.logger.Warn("presence mirror list failed", zap.Error(err))
		return
	}
	for _, docID := range docs {
		if _, err := t.mirror.PurgeExpired(ctx, docID); err != nil {
			t.logger.Warn("presence mirror purge failed", zap.String("doc_id", docID), zap.Error(err))
		}
	}
}

func (t *Tracker) dropRoomIfEmpty(docID string, r *room) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rooms[docID] != r {
		return
	}
	// 拿到全局锁之后再确认一次，期间可能有人重新加入
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.emptyLocked() {
		r.dead = true
		delete(t.rooms, docID)
	}
}

// Count 文档上未过期的在线条目数量，0 表示可以被缓存逐出。
// 本地没人时再看镜像，其他实例上的协作者也算；镜像读失败按 0 处理。
func (t *Tracker) Count(docID string) int {
	if n := t.localCount(docID); n > 0 || t.mirror == nil {
		return n
	}

	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	members, err := t.mirror.GetAliveMembers(ctx, docID)
	if err != nil {
		t.logger.Warn("presence mirror read failed", zap.String("doc_id", docID), zap.Error(err))
		return 0
	}
	return len(members)
}

func (t *Tracker) localCount(docID string) int {
	r := t.room(docID, false)
	if r == nil {
		return 0
	}
	now := t.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.presence {
		if now.Sub(p.LastSeen) < t.ttl {
			n++
		}
	}
	return n
}

// Presence 文档上所有尚未被回收的在线状态，按 userId 排序
func (t *Tracker) Presence(docID string) []PresenceState {
	r := t.room(docID, false)
	if r == nil {
		return nil
	}
	now := t.now()
	r.mu.Lock()
	out := make([]PresenceState, 0, len(r.presence))
	for _, p := range r.presence {
		p.Status = t.status(p, now)
		out = append(out, p)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// PresenceOf 单个用户的状态，不存在按 OFFLINE 处理
func (t *Tracker) PresenceOf(docID, userID string) PresenceState {
	if r := t.room(docID, false); r != nil {
		r.mu.Lock()
		p, ok := r.presence[userID]
		r.mu.Unlock()
		if ok {
			p.Status = t.status(p, t.now())
			return p
		}
	}
	return PresenceState{DocID: docID, UserID: userID, Status: StatusOffline}
}

// Cursors 文档上未过期的光标，按 userId 排序
func (t *Tracker) Cursors(docID string) []CursorState {
	r := t.room(docID, false)
	if r == nil {
		return nil
	}
	now := t.now()
	r.mu.Lock()
	out := make([]CursorState, 0, len(r.cursors))
	for _, c := range r.cursors {
		if now.Sub(c.UpdatedAt) < t.ttl {
			out = append(out, c)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
