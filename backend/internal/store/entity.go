package store

import "time"

// DocumentRow documents 表：文档的当前状态
type DocumentRow struct {
	DocID          string `gorm:"primaryKey;type:varchar(64)"`
	TenantID       string `gorm:"type:varchar(64);index:idx_tenant_workspace"`
	WorkspaceID    string `gorm:"type:varchar(64);index:idx_tenant_workspace"`
	Title          string `gorm:"type:varchar(255)"`
	Content        string `gorm:"type:longtext"`
	Version        uint64 `gorm:"not null;default:0"`
	CreatedBy      string `gorm:"type:varchar(64)"`
	LastModifiedBy string `gorm:"type:varchar(64)"`
	CreatedAt      time.Time
	LastModifiedAt time.Time
}

func (DocumentRow) TableName() string { return "documents" }

// OperationRow document_operations 表：只追加的操作历史，(doc_id, version) 唯一
type OperationRow struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	DocID       string `gorm:"type:varchar(64);uniqueIndex:uk_doc_version,priority:1"`
	Version     uint64 `gorm:"uniqueIndex:uk_doc_version,priority:2"`
	OpID        string `gorm:"type:varchar(64)"`
	UserID      string `gorm:"type:varchar(64)"`
	BaseVersion uint64
	Kind        string `gorm:"type:varchar(16)"`
	StartPos    int
	EndPos      int
	Text        string `gorm:"type:longtext"`
	Timestamp   time.Time
}

func (OperationRow) TableName() string { return "document_operations" }

// SnapshotRow document_snapshots 表，由 SnapshotStore 用原生 SQL 写入，这里只负责建表
type SnapshotRow struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	DocumentID string `gorm:"type:varchar(64);uniqueIndex:uk_doc_revision,priority:1"`
	Revision   uint64 `gorm:"uniqueIndex:uk_doc_revision,priority:2"`
	Content    string `gorm:"type:longtext"`
	CreatedAt  time.Time
}

func (SnapshotRow) TableName() string { return "document_snapshots" }
