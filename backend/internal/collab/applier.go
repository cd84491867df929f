package collab

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"notecollab/backend/internal/metrics"
	"notecollab/backend/internal/ot/delta"
)

// Applier 把一条操作提交到文档上。
//
// 提交流程（全部在文档的 lane 内完成）：
//
//	去重 -> 版本校验 -> 计算新内容 -> 持久化 -> 发布新快照 -> onCommit（广播）
//
// 持久化成功之前不会发布任何东西，所以存储失败时内存状态天然停在提交之前。
type Applier struct {
	store   DocumentStore
	now     func() time.Time
	newID   func() string
	logger  *zap.Logger
	metrics *metrics.Metrics

	// 存储报告版本冲突时调用，说明别的实例写过这篇文档，缓存已经过期
	invalidate func(docID string, h *HotDocument)
}

func NewApplier(store DocumentStore, logger *zap.Logger, m *metrics.Metrics) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{
		store:   store,
		now:     time.Now,
		newID:   uuid.NewString,
		logger:  logger,
		metrics: m,
	}
}

// Apply 在 h 上提交 op。onCommit 在持有 lane 时调用，因此同一文档的回调顺序就是提交顺序；
// 回调里不要做阻塞操作。重复的 op id 直接返回第一次提交的结果，不会再调用 onCommit。
func (a *Applier) Apply(ctx context.Context, h *HotDocument, op delta.Operation, onCommit func(AppliedOp)) (AppliedOp, error) {
	h.lane.Lock()
	defer h.lane.Unlock()

	if h.evicted.Load() {
		return AppliedOp{}, errDocumentEvicted
	}
	start := a.now()
	cur := h.Current()

	if v, ok := h.seenLocked(op.UserID, op.ID); ok && v >= 1 && v <= uint64(len(cur.History)) && cur.History[v-1].UserID == op.UserID {
		prev := cur.History[v-1]
		return AppliedOp{DocID: cur.DocID, Version: v, Op: prev, AppliedAt: prev.Timestamp, Duplicate: true}, nil
	}

	if op.BaseVersion != cur.Version {
		return AppliedOp{}, &VersionConflictError{DocID: cur.DocID, BaseVersion: op.BaseVersion, CurrentVersion: cur.Version}
	}

	content, err := ApplyTo(cur.Content, op)
	if err != nil {
		return AppliedOp{}, err
	}

	if op.ID == "" {
		op.ID = a.newID()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = start
	}

	// lane 保证只有这里会往 History 后面追加，已发布的快照只读到自己的长度
	next := *cur
	next.Content = content
	next.Version = cur.Version + 1
	next.History = append(cur.History, op)
	next.LastModifiedBy = op.UserID
	next.LastModifiedAt = op.Timestamp

	if err := a.store.Save(ctx, &next); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			if a.invalidate != nil {
				a.invalidate(cur.DocID, h)
			}
			a.logger.Warn("stored version moved underneath cached document",
				zap.String("doc_id", cur.DocID), zap.Uint64("version", cur.Version), zap.Error(err))
			return AppliedOp{}, err
		}
		a.logger.Error("persist document failed",
			zap.String("doc_id", cur.DocID), zap.Uint64("version", next.Version), zap.String("op_id", op.ID), zap.Error(err))
		return AppliedOp{}, &PersistenceError{DocID: cur.DocID, Err: err}
	}

	h.publishLocked(&next)
	h.rememberLocked(op.UserID, op.ID, next.Version)
	h.touch(a.now())

	applied := AppliedOp{DocID: next.DocID, Version: next.Version, Op: op, AppliedAt: op.Timestamp}
	a.metrics.OpApplied(string(op.Kind))
	a.metrics.ObserveApply(a.now().Sub(start).Seconds())

	if onCommit != nil {
		onCommit(applied)
	}
	return applied, nil
}
