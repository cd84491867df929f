package collab

import (
	"sync"
	"sync/atomic"
	"time"
)

// 去重窗口大小：最近这么多条操作的 id 会被记住
const recentOpWindow = 1024

// HotDocument 缓存中常驻的一份文档。
// lane 是这份文档唯一的串行化通道，同一时刻最多一个 Apply 持有它；
// mu 只保护 doc 指针的发布，读快照不需要排队等 lane。
type HotDocument struct {
	lane sync.Mutex

	mu  sync.RWMutex
	doc *Document

	// 只在持有 lane 时置位，缓存查找时可以无锁读取
	evicted atomic.Bool

	// 以下字段只在持有 lane 时读写
	recentIDs   map[opKey]uint64 // (user, op id) -> 提交后的版本
	recentOrder []opKey

	lastTouched atomic.Int64
}

func newHotDocument(doc *Document, now time.Time) *HotDocument {
	h := &HotDocument{
		doc:       doc,
		recentIDs: make(map[opKey]uint64),
	}
	start := 0
	if len(doc.History) > recentOpWindow {
		start = len(doc.History) - recentOpWindow
	}
	for i := start; i < len(doc.History); i++ {
		h.rememberLocked(doc.History[i].UserID, doc.History[i].ID, uint64(i+1))
	}
	h.touch(now)
	return h
}

// Current 返回当前已提交的文档；返回值只读，不能 append 它的 History（下一次提交会复用同一个底层数组）。
// 包外调用走 Service.Current。
func (h *HotDocument) Current() *Document {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.doc
}

func (h *HotDocument) DocID() string {
	return h.Current().DocID
}

// LastTouched 最近一次被访问或修改的时间
func (h *HotDocument) LastTouched() time.Time {
	return time.Unix(0, h.lastTouched.Load())
}

func (h *HotDocument) touch(now time.Time) {
	h.lastTouched.Store(now.UnixNano())
}

func (h *HotDocument) publishLocked(doc *Document) {
	h.mu.Lock()
	h.doc = doc
	h.mu.Unlock()
}

// opKey op id 由客户端生成，只在同一用户内唯一
type opKey struct {
	userID string
	opID   string
}

func (h *HotDocument) rememberLocked(userID, opID string, version uint64) {
	if opID == "" {
		return
	}
	key := opKey{userID: userID, opID: opID}
	if _, ok := h.recentIDs[key]; ok {
		return
	}
	if len(h.recentOrder) >= recentOpWindow {
		oldest := h.recentOrder[0]
		h.recentOrder = h.recentOrder[1:]
		delete(h.recentIDs, oldest)
	}
	h.recentIDs[key] = version
	h.recentOrder = append(h.recentOrder, key)
}

func (h *HotDocument) seenLocked(userID, opID string) (uint64, bool) {
	if opID == "" {
		return 0, false
	}
	v, ok := h.recentIDs[opKey{userID: userID, opID: opID}]
	return v, ok
}
