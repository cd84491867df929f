package collab

import (
	"fmt"
	"time"

	"notecollab/backend/internal/ot/delta"
)

// Identity 多租户下文档的完整身份
type Identity struct {
	TenantID    string `json:"tenantId"`
	WorkspaceID string `json:"workspaceId"`
	DocID       string `json:"docId"`
}

func (i Identity) String() string {
	return fmt.Sprintf("%s/%s/%s", i.TenantID, i.WorkspaceID, i.DocID)
}

// Document 一份文档的权威状态。
// 一旦被 HotDocument 发布就不再修改，Applier 每次提交都会生成新的 Document。
// 不变量：Version == len(History)，Content == Replay(History)。
type Document struct {
	Identity
	Title          string            `json:"title"`
	Content        string            `json:"content"`
	Version        uint64            `json:"version"`
	History        []delta.Operation `json:"history,omitempty"`
	CreatedBy      string            `json:"createdBy"`
	CreatedAt      time.Time         `json:"createdAt"`
	LastModifiedBy string            `json:"lastModifiedBy"`
	LastModifiedAt time.Time         `json:"lastModifiedAt"`
}

func NewDocument(id Identity, title, createdBy string, now time.Time) *Document {
	return &Document{
		Identity:       id,
		Title:          title,
		CreatedBy:      createdBy,
		CreatedAt:      now,
		LastModifiedBy: createdBy,
		LastModifiedAt: now,
	}
}

// Clone 深拷贝，交给外部调用方使用
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	if d.History != nil {
		c.History = make([]delta.Operation, len(d.History))
		copy(c.History, d.History)
	}
	return &c
}

// CheckInvariants 校验版本号和历史、内容和历史重放是否一致
func (d *Document) CheckInvariants() error {
	if d.Version != uint64(len(d.History)) {
		return fmt.Errorf("document %s: version %d but %d history entries", d.DocID, d.Version, len(d.History))
	}
	replayed, err := Replay(d.History)
	if err != nil {
		return fmt.Errorf("document %s: replay history: %w", d.DocID, err)
	}
	if replayed != d.Content {
		return fmt.Errorf("document %s: content does not match replayed history", d.DocID)
	}
	return nil
}

// AppliedOp 已经提交的一次操作，Version 是提交之后的文档版本
type AppliedOp struct {
	DocID     string          `json:"docId"`
	Version   uint64          `json:"version"`
	Op        delta.Operation `json:"op"`
	AppliedAt time.Time       `json:"appliedAt"`
	Duplicate bool            `json:"duplicate,omitempty"`
}
