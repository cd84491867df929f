package store

import (
	"context"
	"errors"
	"sync"

	"notecollab/backend/internal/collab"
)

// MemoryStore 进程内存储，单机开发和测试用。
// 保存的是深拷贝，调用方之后改 Document 不会影响已存内容。
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]*collab.Document
	// docID -> version -> content
	snapshots map[string]map[uint64]string

	// FailSave 不为 nil 时 Save 直接返回它，用来模拟存储故障
	FailSave error

	loads int
	saves int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:      make(map[string]*collab.Document),
		snapshots: make(map[string]map[uint64]string),
	}
}

func (s *MemoryStore) Load(_ context.Context, docID string) (*collab.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	doc, ok := s.docs[docID]
	if !ok {
		return nil, &collab.NotFoundError{DocID: docID}
	}
	return doc.Clone(), nil
}

func (s *MemoryStore) Create(_ context.Context, doc *collab.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc.DocID]; ok {
		return errors.New("document " + doc.DocID + " already exists")
	}
	s.docs[doc.DocID] = doc.Clone()
	return nil
}

func (s *MemoryStore) Save(_ context.Context, doc *collab.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSave != nil {
		return s.FailSave
	}
	prev, ok := s.docs[doc.DocID]
	if !ok {
		return &collab.NotFoundError{DocID: doc.DocID}
	}
	if prev.Version >= doc.Version {
		return &collab.VersionConflictError{DocID: doc.DocID, BaseVersion: doc.Version, CurrentVersion: prev.Version}
	}
	s.saves++
	s.docs[doc.DocID] = doc.Clone()
	return nil
}

// SaveSnapshot 同一版本重复写入时保留第一次的内容，和 MySQL 唯一键的行为一致
func (s *MemoryStore) SaveSnapshot(_ context.Context, docID string, version uint64, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshots[docID] == nil {
		s.snapshots[docID] = make(map[uint64]string)
	}
	if _, ok := s.snapshots[docID][version]; !ok {
		s.snapshots[docID][version] = content
	}
	return nil
}

// SnapshotAt 读取某个版本的快照
func (s *MemoryStore) SnapshotAt(docID string, version uint64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.snapshots[docID][version]
	return content, ok
}

// SetFailSave 并发安全地切换故障注入
func (s *MemoryStore) SetFailSave(err error) {
	s.mu.Lock()
	s.FailSave = err
	s.mu.Unlock()
}

// Stats 返回 Load/Save 的调用次数
func (s *MemoryStore) Stats() (loads, saves int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads, s.saves
}
