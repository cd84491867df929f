package collab

import (
	"errors"
	"fmt"

	"notecollab/backend/internal/ot/delta"
)

var (
	ErrNotFound            = errors.New("NOT_FOUND")
	ErrVersionConflict     = errors.New("VERSION_CONFLICT")
	ErrPersistence         = errors.New("PERSISTENCE_FAILED")
	ErrIrreconcilableState = errors.New("IRRECONCILABLE_STATE")

	// 文档在 Apply 排队期间被缓存逐出，调用方重新 GetOrLoad 即可，不会暴露给客户端
	errDocumentEvicted = errors.New("document evicted from cache")
)

type NotFoundError struct {
	DocID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("document %s not found", e.DocID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// VersionConflictError 客户端的 baseVersion 已经过期，需要重新拉取后再提交
type VersionConflictError struct {
	DocID          string
	BaseVersion    uint64
	CurrentVersion uint64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on document %s: base=%d current=%d", e.DocID, e.BaseVersion, e.CurrentVersion)
}

func (e *VersionConflictError) Unwrap() error { return ErrVersionConflict }

// PersistenceError 存储不可用；内存状态保持 apply 之前的样子
type PersistenceError struct {
	DocID string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist document %s: %v", e.DocID, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// IrreconcilableStateError 本地副本和服务端文档身份不一致
type IrreconcilableStateError struct {
	Local  Identity
	Server Identity
}

func (e *IrreconcilableStateError) Error() string {
	return fmt.Sprintf("cannot reconcile %s against %s", e.Local, e.Server)
}

func (e *IrreconcilableStateError) Unwrap() error { return ErrIrreconcilableState }

// ErrorCode 把错误映射成下发给客户端的稳定错误码
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, delta.ErrInvalidRange):
		return "INVALID_RANGE"
	case errors.Is(err, delta.ErrUnknownOperationKind):
		return "UNKNOWN_OPERATION_KIND"
	case errors.Is(err, ErrVersionConflict):
		return "VERSION_CONFLICT"
	case errors.Is(err, ErrPersistence):
		return "PERSISTENCE_FAILED"
	case errors.Is(err, ErrIrreconcilableState):
		return "IRRECONCILABLE_STATE"
	case errors.Is(err, ErrBusy):
		return "BUSY"
	default:
		return "INTERNAL"
	}
}

// Retryable 客户端是否可以原样重试（版本冲突需要先重新拉取，不算）
func Retryable(err error) bool {
	return errors.Is(err, ErrPersistence) || errors.Is(err, ErrBusy)
}
