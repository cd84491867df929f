package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"notecollab/backend/internal/cache"
	"notecollab/backend/internal/collab"
	"notecollab/backend/internal/reconcile"
)

// DocumentService REST 层用到的协作服务能力
type DocumentService interface {
	CreateDocument(ctx context.Context, tenantID, workspaceID, title, createdBy string) (*collab.Document, error)
	Current(ctx context.Context, docID string) (*collab.Document, error)
	Snapshot(ctx context.Context, docID string) (collab.DocumentView, error)
	OpsSince(ctx context.Context, docID string, fromVersion uint64, limit int) ([]collab.AppliedOp, error)
	SaveSnapshot(ctx context.Context, docID string) (uint64, error)
	Presence(docID string) ([]cache.PresenceState, []cache.CursorState)
}

type Reconciler interface {
	SubmitReconnectState(ctx context.Context, docID string, local *reconcile.LocalDocument) (*reconcile.ConflictRecord, error)
	ResolveConflict(ctx context.Context, local *reconcile.LocalDocument, choice reconcile.Choice) error
}

type DocumentHandler struct {
	svc    DocumentService
	coord  Reconciler
	logger *zap.Logger
}

func NewDocumentHandler(svc DocumentService, coord Reconciler, logger *zap.Logger) *DocumentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentHandler{svc: svc, coord: coord, logger: logger}
}

// Register 挂到 /collab 分组下，分组上已经挂好鉴权中间件
func (h *DocumentHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/documents", h.CreateDocument)
	rg.GET("/documents/:docId", h.makeDocHandler(h.getDocument))
	rg.GET("/documents/:docId/history", h.makeDocHandler(h.history))
	rg.GET("/documents/:docId/presence", h.makeDocHandler(h.presence))
	rg.POST("/documents/:docId/reconnect", h.makeDocHandler(h.reconnect))
	rg.POST("/documents/:docId/resolve", h.makeDocHandler(h.resolve))
	rg.POST("/documents/:docId/snapshot", h.makeDocHandler(h.saveSnapshot))
}

type createReq struct {
	TenantID    string `json:"tenantId" binding:"required"`
	WorkspaceID string `json:"workspaceId" binding:"required"`
	Title       string `json:"title"`
}

func (h *DocumentHandler) CreateDocument(c *gin.Context) {
	userID := c.GetString("userId")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "user context missing"})
		return
	}
	var req createReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	doc, err := h.svc.CreateDocument(c.Request.Context(), req.TenantID, req.WorkspaceID, req.Title, userID)
	if err != nil {
		h.fail(c, "", err)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

// 工厂函数：统一取 :docId、用户身份和错误映射，fn 只管业务
func (h *DocumentHandler) makeDocHandler(
	fn func(c *gin.Context, docID, userID string) (any, error),
) gin.HandlerFunc {
	return func(c *gin.Context) {
		docID := c.Param("docId")
		if docID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "missing docId"})
			return
		}
		userID := c.GetString("userId")
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "user context missing"})
			return
		}
		body, err := fn(c, docID, userID)
		if err != nil {
			h.fail(c, docID, err)
			return
		}
		c.JSON(http.StatusOK, body)
	}
}

func (h *DocumentHandler) getDocument(c *gin.Context, docID, _ string) (any, error) {
	return h.svc.Snapshot(c.Request.Context(), docID)
}

func (h *DocumentHandler) history(c *gin.Context, docID, _ string) (any, error) {
	from, err := queryUint(c, "from", 0)
	if err != nil {
		return nil, err
	}
	limit, err := queryUint(c, "limit", collab.DefaultHistoryLimit)
	if err != nil {
		return nil, err
	}
	ops, err := h.svc.OpsSince(c.Request.Context(), docID, from, int(limit))
	if err != nil {
		return nil, err
	}
	return gin.H{"docId": docID, "fromVersion": from, "ops": ops}, nil
}

func (h *DocumentHandler) presence(c *gin.Context, docID, _ string) (any, error) {
	// 先确认文档存在，不存在的文档不返回空列表
	if _, err := h.svc.Current(c.Request.Context(), docID); err != nil {
		return nil, err
	}
	presence, cursors := h.svc.Presence(docID)
	return gin.H{"docId": docID, "presence": presence, "cursors": cursors}, nil
}

func (h *DocumentHandler) reconnect(c *gin.Context, docID, userID string) (any, error) {
	var local reconcile.LocalDocument
	if err := c.ShouldBindJSON(&local); err != nil {
		return nil, badRequest(err)
	}
	local.UserID = userID
	rec, err := h.coord.SubmitReconnectState(c.Request.Context(), docID, &local)
	if err != nil {
		return nil, err
	}
	return gin.H{"outcome": local.LastOutcome, "local": local, "conflict": rec}, nil
}

type resolveReq struct {
	Local  *reconcile.LocalDocument `json:"local" binding:"required"`
	Choice string                   `json:"choice" binding:"required"`
}

func (h *DocumentHandler) resolve(c *gin.Context, docID, userID string) (any, error) {
	var req resolveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, badRequest(err)
	}
	choice, err := reconcile.ParseChoice(req.Choice)
	if err != nil {
		return nil, err
	}
	local := req.Local
	local.UserID = userID
	if local.DocID == "" {
		local.DocID = docID
	}
	if local.Conflict != nil && local.Conflict.DocID == "" {
		local.Conflict.DocID = docID
	}
	// 路由上的文档、本地副本、冲突记录必须是同一篇
	if local.DocID != docID || (local.Conflict != nil && local.Conflict.DocID != docID) {
		return nil, &collab.IrreconcilableStateError{Local: local.Identity, Server: collab.Identity{DocID: docID}}
	}
	if err := h.coord.ResolveConflict(c.Request.Context(), local, choice); err != nil {
		return nil, err
	}
	return gin.H{"local": local}, nil
}

func (h *DocumentHandler) saveSnapshot(c *gin.Context, docID, _ string) (any, error) {
	version, err := h.svc.SaveSnapshot(c.Request.Context(), docID)
	if err != nil {
		return nil, err
	}
	return gin.H{"docId": docID, "version": version}, nil
}

type badRequestError struct{ err error }

func (e *badRequestError) Error() string { return e.err.Error() }
func (e *badRequestError) Unwrap() error { return e.err }

func badRequest(err error) error {
	if errors.Is(err, io.EOF) {
		err = errors.New("empty request body")
	}
	return &badRequestError{err: err}
}

func queryUint(c *gin.Context, key string, def uint64) (uint64, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, badRequest(errors.New("invalid " + key + ": " + raw))
	}
	return v, nil
}

func (h *DocumentHandler) fail(c *gin.Context, docID string, err error) {
	status, code := StatusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("doc_id", docID), zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"code": code, "message": err.Error()})
}

// StatusOf 错误到 HTTP 状态码和错误码的映射
func StatusOf(err error) (int, string) {
	var bad *badRequestError
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, reconcile.ErrUnknownChoice):
		return http.StatusBadRequest, "UNKNOWN_CHOICE"
	case errors.Is(err, reconcile.ErrNoConflict):
		return http.StatusConflict, "NO_CONFLICT"
	}

	code := collab.ErrorCode(err)
	switch code {
	case "NOT_FOUND":
		return http.StatusNotFound, code
	case "INVALID_RANGE", "UNKNOWN_OPERATION_KIND":
		return http.StatusBadRequest, code
	case "VERSION_CONFLICT":
		return http.StatusConflict, code
	case "IRRECONCILABLE_STATE":
		return http.StatusUnprocessableEntity, code
	case "BUSY":
		return http.StatusTooManyRequests, code
	case "PERSISTENCE_FAILED":
		return http.StatusServiceUnavailable, code
	default:
		return http.StatusInternalServerError, code
	}
}
