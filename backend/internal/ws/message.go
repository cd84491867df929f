package ws

import (
	"notecollab/backend/internal/cache"
	"notecollab/backend/internal/collab"
	"notecollab/backend/internal/ot/delta"
	"notecollab/backend/internal/reconcile"
)

// 客户端 -> 服务端
const (
	TypeJoin      = "join"
	TypeLeave     = "leave"
	TypeOpSubmit  = "op_submit"
	TypePresence  = "presence"
	TypeCursor    = "cursor"
	TypeHeartbeat = "heartbeat"
	TypeReconnect = "reconnect"
	TypeResolve   = "resolve"
	TypeLoad      = "load"
	TypeHistory   = "history"
)

// 服务端 -> 客户端（presence/cursor/history 与上面同名）
const (
	TypeWelcome     = "welcome"
	TypeSnapshot    = "snapshot"
	TypeOpApplied   = "op_applied"
	TypeOpBroadcast = "op_broadcast"
	TypeReconcile   = "reconcile"
	TypeError       = "error"
)

type ClientMessage struct {
	Type  string           `json:"type"`
	DocID string           `json:"docId"`
	Op    *delta.Operation `json:"op,omitempty"`

	// presence
	Active *bool `json:"active,omitempty"`

	// cursor
	Line   int `json:"line"`
	Column int `json:"column"`

	// history
	FromVersion uint64 `json:"fromVersion"`
	Limit       int    `json:"limit"`

	// reconnect / resolve
	Local  *reconcile.LocalDocument `json:"local,omitempty"`
	Choice string                   `json:"choice,omitempty"`
}

type ServerMessage struct {
	Type    string `json:"type"`
	DocID   string `json:"docId,omitempty"`
	UserID  string `json:"userId,omitempty"`
	Version uint64 `json:"version,omitempty"`

	// op_applied：只发给提交者
	Ack *collab.Ack `json:"ack,omitempty"`
	// op_broadcast：发给房间内所有连接（包括提交者自己，客户端按 op id 去重）
	Op *collab.AppliedOp `json:"op,omitempty"`
	// history
	Ops []collab.AppliedOp `json:"ops,omitempty"`
	// snapshot
	Document *collab.DocumentView `json:"document,omitempty"`

	Presence *cache.PresenceState     `json:"presence,omitempty"`
	Cursor   *cache.CursorState       `json:"cursor,omitempty"`
	Local    *reconcile.LocalDocument `json:"local,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
