package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"notecollab/backend/internal/cache"
	"notecollab/backend/internal/collab"
	"notecollab/backend/internal/ot/delta"
	"notecollab/backend/internal/reconcile"
)

const (
	sendQueueSize  = 64
	writeWait      = 10 * time.Second
	requestTimeout = 5 * time.Second
)

// CollabService 连接需要的协作服务能力
type CollabService interface {
	SubmitOperation(ctx context.Context, docID string, op delta.Operation) (collab.Ack, error)
	SubmitPresence(ctx context.Context, docID, userID string, active bool) (cache.PresenceState, error)
	SubmitCursor(ctx context.Context, docID, userID string, line, column int) (cache.CursorState, error)
	Leave(ctx context.Context, docID, userID string)
	Snapshot(ctx context.Context, docID string) (collab.DocumentView, error)
	OpsSince(ctx context.Context, docID string, fromVersion uint64, limit int) ([]collab.AppliedOp, error)
}

// Reconciler 重连对比与冲突解决
type Reconciler interface {
	SubmitReconnectState(ctx context.Context, docID string, local *reconcile.LocalDocument) (*reconcile.ConflictRecord, error)
	ResolveConflict(ctx context.Context, local *reconcile.LocalDocument, choice reconcile.Choice) error
}

var errNotJoined = errors.New("join a document first")

// Conn 一条 websocket 会话：readLoop 处理客户端消息，writeLoop 独占写端
type Conn struct {
	ws     *websocket.Conn
	hub    *Hub
	svc    CollabService
	coord  Reconciler
	userID string
	logger *zap.Logger

	mu     sync.RWMutex
	docID  string
	closed bool
	send   chan ServerMessage

	// slow 置位后不再投递，连接会被断开，客户端重连后用 history 追赶
	slow     atomic.Bool
	kickOnce sync.Once
}

func NewConn(ws *websocket.Conn, hub *Hub, userID string, svc CollabService, coord Reconciler, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{
		ws:     ws,
		hub:    hub,
		svc:    svc,
		coord:  coord,
		userID: userID,
		logger: logger,
		send:   make(chan ServerMessage, sendQueueSize),
	}
}

func (c *Conn) UserID() string { return c.userID }

// DocID 当前加入的文档，没有加入时为空
func (c *Conn) DocID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.docID
}

func (c *Conn) setDocID(docID string) {
	c.mu.Lock()
	c.docID = docID
	c.mu.Unlock()
}

// Enqueue 非阻塞投递；队列满或连接已关闭时丢弃。
// 操作广播和回执不能丢，队列满时直接断开这个慢连接。
func (c *Conn) Enqueue(msg ServerMessage) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || c.slow.Load() {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		if msg.Type == TypeOpBroadcast || msg.Type == TypeOpApplied {
			c.logger.Warn("send queue full, disconnect slow client",
				zap.String("user_id", c.userID), zap.String("doc_id", c.docID), zap.Uint64("version", msg.Version))
			c.kick()
			return false
		}
		c.logger.Warn("send queue full, drop message",
			zap.String("user_id", c.userID), zap.String("doc_id", c.docID), zap.String("type", msg.Type))
		return false
	}
}

// kick 关闭底层连接，readLoop 随之退出并完成清理
func (c *Conn) kick() {
	c.slow.Store(true)
	c.kickOnce.Do(func() {
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Conn) sendError(docID string, err error) {
	c.Enqueue(ServerMessage{Type: TypeError, DocID: docID, Code: collab.ErrorCode(err), Message: err.Error()})
}

// readLoop 阻塞直到连接断开；断开时自动离开当前文档
func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		if docID := c.DocID(); docID != "" {
			// 请求 context 可能已经取消，离开必须执行
			c.svc.Leave(context.WithoutCancel(ctx), docID, c.userID)
		}
		c.hub.Unregister(c)
		c.close()
	}()

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("websocket read failed", zap.String("user_id", c.userID), zap.String("doc_id", c.DocID()), zap.Error(err))
			}
			return
		}
		c.handle(ctx, msg)
	}
}

func (c *Conn) handle(ctx context.Context, msg ClientMessage) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	docID := msg.DocID
	if docID == "" {
		docID = c.DocID()
	}

	switch msg.Type {
	case TypeJoin:
		c.join(ctx, docID)

	case TypeLeave:
		c.leave(ctx)

	case TypeOpSubmit:
		if docID == "" || docID != c.DocID() {
			c.sendError(docID, errNotJoined)
			return
		}
		if msg.Op == nil {
			c.sendError(docID, &delta.UnknownOperationKindError{})
			return
		}
		op := *msg.Op
		op.UserID = c.userID
		// 成功或失败的回执都经由 Hub.NotifySender 下发
		_, _ = c.svc.SubmitOperation(ctx, docID, op)

	case TypePresence, TypeHeartbeat:
		if docID == "" {
			c.sendError(docID, errNotJoined)
			return
		}
		active := true
		if msg.Type == TypePresence && msg.Active != nil {
			active = *msg.Active
		}
		if _, err := c.svc.SubmitPresence(ctx, docID, c.userID, active); err != nil {
			c.sendError(docID, err)
		}

	case TypeCursor:
		if docID == "" {
			c.sendError(docID, errNotJoined)
			return
		}
		if _, err := c.svc.SubmitCursor(ctx, docID, c.userID, msg.Line, msg.Column); err != nil {
			c.sendError(docID, err)
		}

	case TypeLoad:
		view, err := c.svc.Snapshot(ctx, docID)
		if err != nil {
			c.sendError(docID, err)
			return
		}
		c.Enqueue(ServerMessage{Type: TypeSnapshot, DocID: docID, Version: view.Version, Document: &view})

	case TypeHistory:
		ops, err := c.svc.OpsSince(ctx, docID, msg.FromVersion, msg.Limit)
		if err != nil {
			c.sendError(docID, err)
			return
		}
		c.Enqueue(ServerMessage{Type: TypeHistory, DocID: docID, Ops: ops})

	case TypeReconnect:
		if msg.Local == nil {
			c.sendError(docID, errors.New("reconnect requires local state"))
			return
		}
		local := msg.Local
		local.UserID = c.userID
		if _, err := c.coord.SubmitReconnectState(ctx, docID, local); err != nil {
			c.sendError(docID, err)
			return
		}
		c.Enqueue(ServerMessage{Type: TypeReconcile, DocID: docID, Version: local.Version, Local: local})

	case TypeResolve:
		if msg.Local == nil {
			c.sendError(docID, reconcile.ErrNoConflict)
			return
		}
		choice, err := reconcile.ParseChoice(msg.Choice)
		if err != nil {
			c.sendError(docID, err)
			return
		}
		local := msg.Local
		local.UserID = c.userID
		if local.DocID == "" {
			local.DocID = docID
		}
		if local.DocID != docID {
			c.sendError(docID, &collab.IrreconcilableStateError{Local: local.Identity, Server: collab.Identity{DocID: docID}})
			return
		}
		if err := c.coord.ResolveConflict(ctx, local, choice); err != nil {
			c.sendError(docID, err)
			return
		}
		c.Enqueue(ServerMessage{Type: TypeReconcile, DocID: docID, Version: local.Version, Local: local})

	default:
		c.sendError(docID, errors.New("unknown message type "+msg.Type))
	}
}

// join 切换到 docID 对应的房间，并把当前快照发给客户端。
// 先进房间再取快照：中间提交的操作既会广播过来也可能已经在快照里，
// 客户端丢弃 version <= 快照版本的广播即可，不会出现缺口。
func (c *Conn) join(ctx context.Context, docID string) {
	if docID == "" {
		c.sendError(docID, &collab.NotFoundError{})
		return
	}
	if prev := c.DocID(); prev != "" && prev != docID {
		c.leave(ctx)
	}
	c.setDocID(docID)
	c.hub.Join(docID, c)
	view, err := c.svc.Snapshot(ctx, docID)
	if err != nil {
		c.hub.Leave(docID, c)
		c.setDocID("")
		c.sendError(docID, err)
		return
	}
	if _, err := c.svc.SubmitPresence(ctx, docID, c.userID, true); err != nil {
		c.logger.Warn("mark presence on join failed", zap.String("doc_id", docID), zap.String("user_id", c.userID), zap.Error(err))
	}
	c.Enqueue(ServerMessage{Type: TypeSnapshot, DocID: docID, Version: view.Version, Document: &view})
}

func (c *Conn) leave(ctx context.Context) {
	docID := c.DocID()
	if docID == "" {
		return
	}
	c.hub.Leave(docID, c)
	c.setDocID("")
	c.svc.Leave(ctx, docID, c.userID)
}

func (c *Conn) writeLoop() {
	// 持续消费通道中的ServerMessage，通道关闭后发 close 帧
	for msg := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteJSON(msg); err != nil {
			c.logger.Debug("websocket write failed", zap.String("user_id", c.userID), zap.Error(err))
			// 让 readLoop 尽快退出
			_ = c.ws.Close()
			for range c.send {
			}
			return
		}
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}
