package ws

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"notecollab/backend/internal/metrics"
)

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	hub     *Hub
	svc     CollabService
	coord   Reconciler
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewManager(hub *Hub, svc CollabService, coord Reconciler, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{hub: hub, svc: svc, coord: coord, logger: logger, metrics: m}
}

// WebSocketConnect GET /collab/ws?docId=...；userId 由鉴权中间件写入
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetString("userId")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "missing user identity"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", zap.String("origin", c.Request.Header.Get("Origin")), zap.Error(err))
		return
	}
	defer conn.Close()

	m.metrics.ConnOpened()
	defer m.metrics.ConnClosed()

	wsConn := NewConn(conn, m.hub, userID, m.svc, m.coord, m.logger)
	m.hub.Register(wsConn)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	done := make(chan struct{})
	go func() {
		defer close(done)
		wsConn.writeLoop()
	}()
	wsConn.Enqueue(ServerMessage{Type: TypeWelcome, UserID: userID})

	ctx := c.Request.Context()
	if docID := c.Query("docId"); docID != "" {
		wsConn.handle(ctx, ClientMessage{Type: TypeJoin, DocID: docID})
	}

	// 最后再进入读循环（阻塞至连接关闭）
	wsConn.readLoop(ctx)
	<-done
}
