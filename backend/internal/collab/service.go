package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"notecollab/backend/internal/cache"
	"notecollab/backend/internal/metrics"
	"notecollab/backend/internal/ot/delta"
)

// DocumentStore 文档的持久化存储。
// Load 找不到文档时返回 *NotFoundError；Save 发现存储里的版本不是 doc.Version-1 时返回 *VersionConflictError。
type DocumentStore interface {
	Load(ctx context.Context, docID string) (*Document, error)
	Save(ctx context.Context, doc *Document) error
	Create(ctx context.Context, doc *Document) error
}

// SnapshotStore 定期的全文快照
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, docID string, version uint64, content string) error
}

// Gateway 广播出口。实现必须是非阻塞的，发送失败只记日志，不能影响已经提交的操作。
type Gateway interface {
	BroadcastChange(docID string, op AppliedOp)
	BroadcastPresence(docID string, state cache.PresenceState)
	BroadcastCursor(docID string, state cache.CursorState)
	NotifySender(userID string, ack Ack)
}

// PresenceTracker 在线状态/光标表
type PresenceTracker interface {
	AttachmentCounter
	UpdatePresence(ctx context.Context, docID, userID string, active bool) cache.PresenceState
	UpdateCursor(ctx context.Context, docID, userID string, line, column int) cache.CursorState
	RemoveUser(ctx context.Context, docID, userID string) (cache.PresenceState, bool)
	Sweep() []cache.PresenceState
	Presence(docID string) []cache.PresenceState
	Cursors(docID string) []cache.CursorState
}

// Ack 回给提交者的确认，成功时带新版本号，失败时带错误码
type Ack struct {
	DocID     string `json:"docId"`
	OpID      string `json:"opId"`
	OK        bool   `json:"ok"`
	Version   uint64 `json:"version"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// DocumentView 对外展示的文档快照，不含历史
type DocumentView struct {
	Identity
	Title          string                `json:"title"`
	Content        string                `json:"content"`
	Version        uint64                `json:"version"`
	CreatedBy      string                `json:"createdBy"`
	CreatedAt      time.Time             `json:"createdAt"`
	LastModifiedBy string                `json:"lastModifiedBy"`
	LastModifiedAt time.Time             `json:"lastModifiedAt"`
	Presence       []cache.PresenceState `json:"presence"`
	Cursors        []cache.CursorState   `json:"cursors"`
	Collaborators  []string              `json:"collaborators"`
}

type Deps struct {
	Store     DocumentStore
	Snapshots SnapshotStore
	Tracker   PresenceTracker
	Gateway   Gateway
	Events    EventSink
}

type Options struct {
	SubmitTimeout        time.Duration
	IdleEvictAfter       time.Duration
	SweepInterval        time.Duration
	MaxConcurrentSubmits int
	Now                  func() time.Time
	Logger               *zap.Logger
	Metrics              *metrics.Metrics
}

// 缓存被逐出和 Apply 撞上时的重试次数
const maxEvictedRetries = 3

const DefaultHistoryLimit = 500

type Service struct {
	store     DocumentStore
	snapshots SnapshotStore
	tracker   PresenceTracker
	gateway   Gateway
	events    EventSink

	cache   *DocumentCache
	applier *Applier
	sem     *SemaphoreControl

	submitTimeout time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	logger        *zap.Logger
	metrics       *metrics.Metrics
}

func NewService(deps Deps, opt Options) *Service {
	if opt.SubmitTimeout <= 0 {
		opt.SubmitTimeout = 5 * time.Second
	}
	if opt.SweepInterval <= 0 {
		opt.SweepInterval = 30 * time.Second
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if deps.Tracker == nil {
		deps.Tracker = cache.NewTracker(cache.DefaultPresenceTTL, cache.WithClock(opt.Now), cache.WithLogger(opt.Logger))
	}
	if deps.Gateway == nil {
		deps.Gateway = nopGateway{}
	}

	s := &Service{
		store:         deps.Store,
		snapshots:     deps.Snapshots,
		tracker:       deps.Tracker,
		gateway:       deps.Gateway,
		events:        deps.Events,
		sem:           NewSemaphoreControl(opt.MaxConcurrentSubmits),
		submitTimeout: opt.SubmitTimeout,
		sweepInterval: opt.SweepInterval,
		now:           opt.Now,
		logger:        opt.Logger,
		metrics:       opt.Metrics,
	}
	s.cache = NewDocumentCache(deps.Store, deps.Tracker, CacheOptions{
		IdleAfter: opt.IdleEvictAfter,
		Now:       opt.Now,
		Logger:    opt.Logger.Named("cache"),
		Metrics:   opt.Metrics,
	})
	s.applier = NewApplier(deps.Store, opt.Logger.Named("applier"), opt.Metrics)
	s.applier.now = opt.Now
	s.applier.invalidate = s.cache.invalidateLocked
	return s
}

func (s *Service) Cache() *DocumentCache { return s.cache }

// SubmitOperation 提交一条编辑操作。结果同时通过 Gateway.NotifySender 回给提交者，
// 成功的操作按提交顺序广播给文档的所有订阅者。
func (s *Service) SubmitOperation(ctx context.Context, docID string, op delta.Operation) (Ack, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, s.submitTimeout)
	err := s.sem.Acquire(acquireCtx)
	cancel()
	if err != nil {
		return s.reject(docID, op, err)
	}
	defer s.sem.Release()

	// 连接断开不能打断已经进入 lane 的提交
	applyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.submitTimeout)
	defer cancel()

	var applied AppliedOp
	for attempt := 0; ; attempt++ {
		var h *HotDocument
		h, err = s.cache.GetOrLoad(applyCtx, docID)
		if err != nil {
			break
		}
		applied, err = s.applier.Apply(applyCtx, h, op, s.committed)
		if !errors.Is(err, errDocumentEvicted) || attempt >= maxEvictedRetries {
			break
		}
	}
	if err != nil {
		return s.reject(docID, op, err)
	}

	ack := Ack{DocID: docID, OpID: applied.Op.ID, OK: true, Version: applied.Version, Duplicate: applied.Duplicate}
	s.gateway.NotifySender(op.UserID, ack)
	return ack, nil
}

func (s *Service) reject(docID string, op delta.Operation, err error) (Ack, error) {
	if errors.Is(err, errDocumentEvicted) {
		err = fmt.Errorf("document %s kept being evicted: %w", docID, ErrBusy)
	}
	code := ErrorCode(err)
	s.metrics.OpRejected(code)

	ack := Ack{DocID: docID, OpID: op.ID, Code: code, Message: err.Error()}
	var vc *VersionConflictError
	if errors.As(err, &vc) {
		ack.Version = vc.CurrentVersion
	}
	if code == "INTERNAL" || code == "PERSISTENCE_FAILED" {
		s.logger.Error("submit operation failed", zap.String("doc_id", docID), zap.String("op_id", op.ID), zap.Error(err))
	} else {
		s.logger.Debug("operation rejected", zap.String("doc_id", docID), zap.String("op_id", op.ID), zap.String("code", code))
	}
	// 错误只发给提交者
	s.gateway.NotifySender(op.UserID, ack)
	return ack, err
}

// committed 在文档 lane 内被调用
func (s *Service) committed(applied AppliedOp) {
	s.gateway.BroadcastChange(applied.DocID, applied)

	if s.events == nil {
		return
	}
	var id Identity
	if h := s.cache.Peek(applied.DocID); h != nil {
		id = h.Current().Identity
	}
	op := applied.Op
	s.events.TryEnqueue(DocOpEvent{
		EventID:     uuid.NewString(),
		EventType:   EventOpApplied,
		TenantID:    id.TenantID,
		WorkspaceID: id.WorkspaceID,
		DocID:       applied.DocID,
		OperationID: op.ID,
		Version:     applied.Version,
		BaseVersion: op.BaseVersion,
		UserID:      op.UserID,
		Op:          &op,
		AppliedAt:   applied.AppliedAt,
	})
}

// Emit 投递一条业务事件（比如冲突解决），没有配置事件出口时忽略
func (s *Service) Emit(evt DocOpEvent) {
	if s.events == nil {
		return
	}
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.AppliedAt.IsZero() {
		evt.AppliedAt = s.now()
	}
	s.events.TryEnqueue(evt)
}

// SubmitPresence 刷新用户在文档上的在线状态并广播
func (s *Service) SubmitPresence(ctx context.Context, docID, userID string, active bool) (cache.PresenceState, error) {
	if _, err := s.cache.GetOrLoad(ctx, docID); err != nil {
		return cache.PresenceState{}, err
	}
	state := s.tracker.UpdatePresence(ctx, docID, userID, active)
	s.gateway.BroadcastPresence(docID, state)
	return state, nil
}

// SubmitCursor 更新用户光标并广播
func (s *Service) SubmitCursor(ctx context.Context, docID, userID string, line, column int) (cache.CursorState, error) {
	if line < 0 || column < 0 {
		return cache.CursorState{}, fmt.Errorf("cursor line=%d column=%d: %w", line, column, delta.ErrInvalidRange)
	}
	if _, err := s.cache.GetOrLoad(ctx, docID); err != nil {
		return cache.CursorState{}, err
	}
	state := s.tracker.UpdateCursor(ctx, docID, userID, line, column)
	s.gateway.BroadcastCursor(docID, state)
	return state, nil
}

// Leave 用户离开文档：删除在线状态和光标，广播 OFFLINE
func (s *Service) Leave(ctx context.Context, docID, userID string) {
	state, ok := s.tracker.RemoveUser(ctx, docID, userID)
	if !ok {
		return
	}
	s.gateway.BroadcastPresence(docID, state)
	s.logger.Debug("user left document", zap.String("doc_id", docID), zap.String("user_id", userID))
}

// Current 文档当前已提交状态的浅拷贝。
// History 和下一次提交共用底层数组，这里把容量截到长度，调用方 append 时会重新分配
func (s *Service) Current(ctx context.Context, docID string) (*Document, error) {
	h, err := s.cache.GetOrLoad(ctx, docID)
	if err != nil {
		return nil, err
	}
	doc := *h.Current()
	doc.History = doc.History[:len(doc.History):len(doc.History)]
	return &doc, nil
}

// Snapshot 文档内容加上在线状态
func (s *Service) Snapshot(ctx context.Context, docID string) (DocumentView, error) {
	doc, err := s.Current(ctx, docID)
	if err != nil {
		return DocumentView{}, err
	}
	presence, cursors := s.Presence(docID)
	collaborators := make([]string, 0, len(presence))
	for _, p := range presence {
		if p.Status != cache.StatusOffline {
			collaborators = append(collaborators, p.UserID)
		}
	}
	return DocumentView{
		Identity:       doc.Identity,
		Title:          doc.Title,
		Content:        doc.Content,
		Version:        doc.Version,
		CreatedBy:      doc.CreatedBy,
		CreatedAt:      doc.CreatedAt,
		LastModifiedBy: doc.LastModifiedBy,
		LastModifiedAt: doc.LastModifiedAt,
		Presence:       presence,
		Cursors:        cursors,
		Collaborators:  collaborators,
	}, nil
}

// OpsSince 返回版本 fromVersion 之后提交的操作，最多 limit 条，供断线重连追赶
func (s *Service) OpsSince(ctx context.Context, docID string, fromVersion uint64, limit int) ([]AppliedOp, error) {
	doc, err := s.Current(ctx, docID)
	if err != nil {
		return nil, err
	}
	if fromVersion >= doc.Version {
		return []AppliedOp{}, nil
	}
	if limit <= 0 || limit > DefaultHistoryLimit {
		limit = DefaultHistoryLimit
	}
	end := doc.Version
	if end-fromVersion > uint64(limit) {
		end = fromVersion + uint64(limit)
	}
	out := make([]AppliedOp, 0, end-fromVersion)
	for i := fromVersion; i < end; i++ {
		op := doc.History[i]
		out = append(out, AppliedOp{DocID: docID, Version: i + 1, Op: op, AppliedAt: op.Timestamp})
	}
	return out, nil
}

// CreateDocument 新建一篇空文档并放进缓存
func (s *Service) CreateDocument(ctx context.Context, tenantID, workspaceID, title, createdBy string) (*Document, error) {
	id := Identity{TenantID: tenantID, WorkspaceID: workspaceID, DocID: uuid.NewString()}
	doc := NewDocument(id, title, createdBy, s.now())
	if err := s.store.Create(ctx, doc); err != nil {
		return nil, &PersistenceError{DocID: id.DocID, Err: err}
	}
	s.cache.Put(doc)
	s.logger.Info("document created", zap.String("doc_id", id.DocID), zap.String("user_id", createdBy))
	return doc.Clone(), nil
}

// SaveSnapshot 把当前全文写一份快照，返回快照对应的版本
func (s *Service) SaveSnapshot(ctx context.Context, docID string) (uint64, error) {
	if s.snapshots == nil {
		return 0, errors.New("snapshot store not configured")
	}
	doc, err := s.Current(ctx, docID)
	if err != nil {
		return 0, err
	}
	if err := s.snapshots.SaveSnapshot(ctx, docID, doc.Version, doc.Content); err != nil {
		return 0, &PersistenceError{DocID: docID, Err: err}
	}
	return doc.Version, nil
}

// Presence 文档上的在线状态和光标
func (s *Service) Presence(docID string) ([]cache.PresenceState, []cache.CursorState) {
	return s.tracker.Presence(docID), s.tracker.Cursors(docID)
}

// Run 后台清理：定期回收过期的在线状态并逐出空闲文档，ctx 结束时返回
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.janitor()
		}
	}
}

func (s *Service) janitor() {
	reclaimed := s.tracker.Sweep()
	for _, st := range reclaimed {
		s.gateway.BroadcastPresence(st.DocID, st)
	}
	s.metrics.Reclaimed(len(reclaimed))

	evicted := s.cache.EvictIdle()
	if len(reclaimed) > 0 || len(evicted) > 0 {
		s.logger.Info("janitor pass",
			zap.Int("presence_reclaimed", len(reclaimed)), zap.Int("documents_evicted", len(evicted)), zap.Int("hot_documents", s.cache.Len()))
	}
}

type nopGateway struct{}

func (nopGateway) BroadcastChange(string, AppliedOp)             {}
func (nopGateway) BroadcastPresence(string, cache.PresenceState) {}
func (nopGateway) BroadcastCursor(string, cache.CursorState)     {}
func (nopGateway) NotifySender(string, Ack)                      {}
