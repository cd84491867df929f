package collab

import (
	"time"

	"notecollab/backend/internal/ot/delta"
)

const (
	EventOpApplied        = "OP_APPLIED"
	EventConflictResolved = "CONFLICT_RESOLVED"
)

// DocOpEvent 投递到 Kafka 的文档事件，下游做搜索索引和统计
type DocOpEvent struct {
	EventID     string           `json:"eventId"`
	EventType   string           `json:"eventType"`
	TenantID    string           `json:"tenantId"`
	WorkspaceID string           `json:"workspaceId"`
	DocID       string           `json:"docId"`
	OperationID string           `json:"operationId,omitempty"`
	Version     uint64           `json:"version"`
	BaseVersion uint64           `json:"baseVersion"`
	UserID      string           `json:"userId"`
	Op          *delta.Operation `json:"op,omitempty"`
	Resolution  string           `json:"resolution,omitempty"` // CONFLICT_RESOLVED 时为 local|server
	AppliedAt   time.Time        `json:"appliedAt"`
}

// EventSink 事件出口；TryEnqueue 不能阻塞，放不下就返回 false
type EventSink interface {
	TryEnqueue(evt DocOpEvent) bool
}
