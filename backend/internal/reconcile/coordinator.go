package reconcile

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"notecollab/backend/internal/collab"
	"notecollab/backend/internal/metrics"
	"notecollab/backend/internal/ot/delta"
)

// 提交本地内容时服务端又前进了，最多重试这么多次
const maxPushAttempts = 3

// DocumentService Coordinator 需要的那部分协作服务
type DocumentService interface {
	Current(ctx context.Context, docID string) (*collab.Document, error)
	SubmitOperation(ctx context.Context, docID string, op delta.Operation) (collab.Ack, error)
	Emit(evt collab.DocOpEvent)
}

// Coordinator 处理客户端重连：对比本地副本，能自动合并的直接提交，不能的生成冲突记录
type Coordinator struct {
	svc     DocumentService
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewCoordinator(svc DocumentService, logger *zap.Logger, m *metrics.Metrics) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{svc: svc, now: time.Now, logger: logger, metrics: m}
}

// SubmitReconnectState 客户端重连时上报本地副本；local 会被就地更新成对比后的状态。
// 返回非 nil 的 ConflictRecord 表示需要用户调用 ResolveConflict。
func (c *Coordinator) SubmitReconnectState(ctx context.Context, docID string, local *LocalDocument) (*ConflictRecord, error) {
	if local.DocID == "" {
		local.DocID = docID
	}

	for attempt := 0; ; attempt++ {
		server, err := c.svc.Current(ctx, docID)
		if err != nil {
			return nil, err
		}
		rec, err := Reconcile(local, server, c.now())
		if err != nil {
			c.logger.Warn("reconnect state rejected",
				zap.String("doc_id", docID), zap.String("user_id", local.UserID), zap.Error(err))
			return nil, err
		}
		if local.LastOutcome != OutcomePushLocal {
			c.observe(docID, local, rec)
			return rec, nil
		}

		ack, err := c.replaceWith(ctx, server, local.UserID, local.Content)
		if errors.Is(err, collab.ErrVersionConflict) && attempt+1 < maxPushAttempts {
			// 服务端在这期间前进了，下一轮会得到冲突
			continue
		}
		if err != nil {
			return nil, err
		}
		local.Version = ack.Version
		local.Edited = false
		local.Conflict = nil
		c.observe(docID, local, nil)
		return nil, nil
	}
}

func (c *Coordinator) observe(docID string, local *LocalDocument, rec *ConflictRecord) {
	c.metrics.ReconcileOutcome(string(local.LastOutcome))
	if rec != nil {
		c.metrics.ConflictDetected()
		c.logger.Info("conflict detected",
			zap.String("doc_id", docID), zap.String("user_id", local.UserID),
			zap.Uint64("local_version", rec.LocalVersion), zap.Uint64("server_version", rec.ServerVersion))
		return
	}
	c.logger.Debug("reconnect reconciled",
		zap.String("doc_id", docID), zap.String("user_id", local.UserID),
		zap.String("outcome", string(local.LastOutcome)), zap.Uint64("version", local.Version))
}

// ResolveConflict 按用户的选择解决 local.Conflict：
// local 把本地内容作为一次新的整篇替换提交，历史只追加不回退；server 丢弃本地改动。
func (c *Coordinator) ResolveConflict(ctx context.Context, local *LocalDocument, choice Choice) error {
	rec := local.Conflict
	if rec == nil || !rec.HasConflict {
		return ErrNoConflict
	}
	if _, err := ParseChoice(string(choice)); err != nil {
		return err
	}

	var version uint64
	switch choice {
	case ChoiceServer:
		server, err := c.currentFor(ctx, local)
		if err != nil {
			return err
		}
		local.Content = server.Content
		version = server.Version

	case ChoiceLocal:
		var ack collab.Ack
		for attempt := 0; ; attempt++ {
			server, err := c.currentFor(ctx, local)
			if err != nil {
				return err
			}
			ack, err = c.replaceWith(ctx, server, local.UserID, rec.LocalContent)
			if errors.Is(err, collab.ErrVersionConflict) && attempt+1 < maxPushAttempts {
				continue
			}
			if err != nil {
				return err
			}
			break
		}
		local.Content = rec.LocalContent
		version = ack.Version
	}

	local.Version = version
	local.Edited = false
	local.Conflict = nil

	c.metrics.ConflictResolved(string(choice))
	c.svc.Emit(collab.DocOpEvent{
		EventType:   collab.EventConflictResolved,
		TenantID:    rec.TenantID,
		WorkspaceID: rec.WorkspaceID,
		DocID:       rec.DocID,
		Version:     version,
		BaseVersion: rec.ServerVersion,
		UserID:      local.UserID,
		Resolution:  string(choice),
	})
	c.logger.Info("conflict resolved",
		zap.String("doc_id", rec.DocID), zap.String("user_id", local.UserID),
		zap.String("choice", string(choice)), zap.Uint64("version", version))
	return nil
}

// currentFor 读取 local 对应的服务端文档；冲突记录、本地副本和服务端三者必须是同一篇文档
func (c *Coordinator) currentFor(ctx context.Context, local *LocalDocument) (*collab.Document, error) {
	rec := local.Conflict
	if rec.Identity != local.Identity {
		return nil, &collab.IrreconcilableStateError{Local: local.Identity, Server: rec.Identity}
	}
	server, err := c.svc.Current(ctx, local.DocID)
	if err != nil {
		return nil, err
	}
	if server.Identity != local.Identity {
		return nil, &collab.IrreconcilableStateError{Local: local.Identity, Server: server.Identity}
	}
	return server, nil
}

// replaceWith 用 content 整篇替换 server 当前内容
func (c *Coordinator) replaceWith(ctx context.Context, server *collab.Document, userID, content string) (collab.Ack, error) {
	op := delta.Replace(0, utf8.RuneCountInString(server.Content), content)
	op.BaseVersion = server.Version
	op.UserID = userID
	return c.svc.SubmitOperation(ctx, server.DocID, op)
}
