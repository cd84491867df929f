package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"notecollab/backend/internal/metrics"
)

// DefaultIdleEvictAfter 没有协作者且超过这么久没被访问的文档会被逐出内存
const DefaultIdleEvictAfter = 5 * time.Minute

// AttachmentCounter 文档当前挂着多少协作者，由在线状态表提供
type AttachmentCounter interface {
	Count(docID string) int
}

// DocumentCache 活跃文档缓存。
// 首次访问从存储加载，同一文档的并发加载用 singleflight 合并；
// 全局锁只保护 map 本身，加载过程不持有它，不同文档的加载互不阻塞。
type DocumentCache struct {
	store     DocumentStore
	attached  AttachmentCounter
	idleAfter time.Duration
	now       func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu   sync.RWMutex
	docs map[string]*HotDocument

	sf singleflight.Group
}

type CacheOptions struct {
	IdleAfter time.Duration
	Now       func() time.Time
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

func NewDocumentCache(store DocumentStore, attached AttachmentCounter, opt CacheOptions) *DocumentCache {
	if opt.IdleAfter <= 0 {
		opt.IdleAfter = DefaultIdleEvictAfter
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	return &DocumentCache{
		store:     store,
		attached:  attached,
		idleAfter: opt.IdleAfter,
		now:       opt.Now,
		logger:    opt.Logger,
		metrics:   opt.Metrics,
		docs:      make(map[string]*HotDocument),
	}
}

// GetOrLoad 返回文档的常驻实例，不存在时返回 NotFoundError
func (c *DocumentCache) GetOrLoad(ctx context.Context, docID string) (*HotDocument, error) {
	if h := c.Peek(docID); h != nil {
		c.metrics.CacheHit()
		h.touch(c.now())
		return h, nil
	}
	c.metrics.CacheMiss()

	v, err, _ := c.sf.Do(docID, func() (interface{}, error) {
		// 排队期间可能已经有人加载好了
		if h := c.Peek(docID); h != nil {
			return h, nil
		}
		doc, err := c.store.Load(ctx, docID)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, &NotFoundError{DocID: docID}
		}
		return c.install(doc), nil
	})
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return nil, err
		}
		return nil, fmt.Errorf("load document %s: %w", docID, err)
	}
	h := v.(*HotDocument)
	h.touch(c.now())
	return h, nil
}

// install 放入一份刚从存储读出（或刚创建）的文档；已有可用实例时沿用旧的
func (c *DocumentCache) install(doc *Document) *HotDocument {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.docs[doc.DocID]; ok && !h.evicted.Load() {
		return h
	}
	h := newHotDocument(doc, c.now())
	c.docs[doc.DocID] = h
	c.metrics.SetHotDocuments(len(c.docs))
	return h
}

// Put 新建文档后直接放进缓存，省一次加载
func (c *DocumentCache) Put(doc *Document) *HotDocument {
	return c.install(doc)
}

// Peek 只查缓存，不触发加载；已逐出的实例视为不存在
func (c *DocumentCache) Peek(docID string) *HotDocument {
	c.mu.RLock()
	h := c.docs[docID]
	c.mu.RUnlock()
	if h == nil || h.evicted.Load() {
		return nil
	}
	return h
}

func (c *DocumentCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}

// idle 先看本地空闲时间，Count 可能要读 Redis
func (c *DocumentCache) idle(h *HotDocument, docID string) bool {
	if c.now().Sub(h.LastTouched()) < c.idleAfter {
		return false
	}
	return c.attached == nil || c.attached.Count(docID) == 0
}

// Evict 文档没有协作者并且空闲超过阈值时才逐出，返回是否真的逐出。
// 逐出只是建议性的，下一次 GetOrLoad 会重新加载。
func (c *DocumentCache) Evict(docID string) bool {
	c.mu.RLock()
	h := c.docs[docID]
	c.mu.RUnlock()
	if h == nil || !c.idle(h, docID) {
		return false
	}

	// 等正在进行的 Apply 结束，之后排队的 Apply 会看到 evicted 并重新加载
	h.lane.Lock()
	defer h.lane.Unlock()
	if !c.idle(h, docID) {
		return false
	}
	c.drop(docID, h)
	c.logger.Debug("document evicted", zap.String("doc_id", docID), zap.Uint64("version", h.Current().Version))
	return true
}

// invalidateLocked 调用方持有 h.lane；存储里的版本和内存不一致时强制丢掉这份缓存
func (c *DocumentCache) invalidateLocked(docID string, h *HotDocument) {
	c.drop(docID, h)
	c.logger.Warn("document invalidated", zap.String("doc_id", docID))
}

func (c *DocumentCache) drop(docID string, h *HotDocument) {
	h.evicted.Store(true)
	c.mu.Lock()
	if c.docs[docID] == h {
		delete(c.docs, docID)
	}
	n := len(c.docs)
	c.mu.Unlock()
	c.metrics.CacheEvicted(n)
}

// EvictIdle 对所有常驻文档执行 Evict，返回被逐出的文档 id
func (c *DocumentCache) EvictIdle() []string {
	c.mu.RLock()
	ids := make([]string, 0, len(c.docs))
	for id := range c.docs {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	var evicted []string
	for _, id := range ids {
		if c.Evict(id) {
			evicted = append(evicted, id)
		}
	}
	return evicted
}
