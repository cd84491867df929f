package collab

import (
	"context"
	"errors"
)

var DefaultMaxSemaphore = 100

// ErrBusy 在限定时间内没有拿到提交名额
var ErrBusy = errors.New("BUSY")

type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(size int) *SemaphoreControl {
	if size <= 0 {
		size = DefaultMaxSemaphore
	}
	return &SemaphoreControl{ch: make(chan struct{}, size)}
}

// Acquire 有空位时立即返回，否则等到 ctx 结束
func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	default:
	}
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrBusy
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return errors.New("release failed, semaphore is not acquired")
	}
}

// InUse 当前占用的名额数
func (s *SemaphoreControl) InUse() int {
	return len(s.ch)
}
