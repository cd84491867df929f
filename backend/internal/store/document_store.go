package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"notecollab/backend/internal/collab"
	"notecollab/backend/internal/ot/delta"
)

// DocumentStore 基于 gorm 的文档存储。
// Save 只追加新增的历史，并且用 version 做乐观锁，多实例同时写同一篇文档时后到的会失败。
type DocumentStore struct {
	db *gorm.DB
}

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) Load(ctx context.Context, docID string) (*collab.Document, error) {
	var row DocumentRow
	err := s.db.WithContext(ctx).Where("doc_id = ?", docID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &collab.NotFoundError{DocID: docID}
		}
		return nil, err
	}

	var ops []OperationRow
	if err := s.db.WithContext(ctx).Where("doc_id = ?", docID).Order("version ASC").Find(&ops).Error; err != nil {
		return nil, err
	}
	if uint64(len(ops)) != row.Version {
		return nil, fmt.Errorf("document %s: version %d but %d stored operations", docID, row.Version, len(ops))
	}

	doc := &collab.Document{
		Identity:       collab.Identity{TenantID: row.TenantID, WorkspaceID: row.WorkspaceID, DocID: row.DocID},
		Title:          row.Title,
		Content:        row.Content,
		Version:        row.Version,
		CreatedBy:      row.CreatedBy,
		CreatedAt:      row.CreatedAt,
		LastModifiedBy: row.LastModifiedBy,
		LastModifiedAt: row.LastModifiedAt,
		History:        make([]delta.Operation, 0, len(ops)),
	}
	for _, o := range ops {
		doc.History = append(doc.History, delta.Operation{
			ID:          o.OpID,
			UserID:      o.UserID,
			BaseVersion: o.BaseVersion,
			Kind:        delta.Kind(o.Kind),
			Start:       o.StartPos,
			End:         o.EndPos,
			Text:        o.Text,
			Timestamp:   o.Timestamp,
		})
	}
	return doc, nil
}

func (s *DocumentStore) Create(ctx context.Context, doc *collab.Document) error {
	row := DocumentRow{
		DocID:          doc.DocID,
		TenantID:       doc.TenantID,
		WorkspaceID:    doc.WorkspaceID,
		Title:          doc.Title,
		Content:        doc.Content,
		Version:        doc.Version,
		CreatedBy:      doc.CreatedBy,
		LastModifiedBy: doc.LastModifiedBy,
		CreatedAt:      doc.CreatedAt,
		LastModifiedAt: doc.LastModifiedAt,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// Save 写入 doc 相对存储多出来的那部分历史，并把文档行从 prev 版本推进到 doc.Version
func (s *DocumentStore) Save(ctx context.Context, doc *collab.Document) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row DocumentRow
		if err := tx.Select("version").Where("doc_id = ?", doc.DocID).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &collab.NotFoundError{DocID: doc.DocID}
			}
			return err
		}
		prev := row.Version
		if prev >= doc.Version || prev > uint64(len(doc.History)) {
			return &collab.VersionConflictError{DocID: doc.DocID, BaseVersion: doc.Version, CurrentVersion: prev}
		}

		fresh := doc.History[prev:]
		if len(fresh) > 0 {
			rows := make([]OperationRow, 0, len(fresh))
			for i, op := range fresh {
				rows = append(rows, OperationRow{
					DocID:       doc.DocID,
					Version:     prev + uint64(i) + 1,
					OpID:        op.ID,
					UserID:      op.UserID,
					BaseVersion: op.BaseVersion,
					Kind:        string(op.Kind),
					StartPos:    op.Start,
					EndPos:      op.End,
					Text:        op.Text,
					Timestamp:   op.Timestamp,
				})
			}
			if err := tx.Create(&rows).Error; err != nil {
				var mysqlErr *mysql.MySQLError
				if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
					return &collab.VersionConflictError{DocID: doc.DocID, BaseVersion: prev, CurrentVersion: doc.Version}
				}
				return err
			}
		}

		res := tx.Model(&DocumentRow{}).
			Where("doc_id = ? AND version = ?", doc.DocID, prev).
			Updates(map[string]interface{}{
				"title":            doc.Title,
				"content":          doc.Content,
				"version":          doc.Version,
				"last_modified_by": doc.LastModifiedBy,
				"last_modified_at": doc.LastModifiedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &collab.VersionConflictError{DocID: doc.DocID, BaseVersion: prev, CurrentVersion: doc.Version}
		}
		return nil
	})
}
