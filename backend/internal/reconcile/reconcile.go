package reconcile

import (
	"errors"
	"fmt"
	"time"

	"notecollab/backend/internal/collab"
)

// Outcome 重连时对比本地副本和服务端得到的结论
type Outcome string

const (
	OutcomeInSync      Outcome = "IN_SYNC"      // 完全一致
	OutcomeFastForward Outcome = "FAST_FORWARD" // 本地没改过，直接采用服务端
	OutcomePushLocal   Outcome = "PUSH_LOCAL"   // 服务端停在本地版本，本地改动作为新操作提交
	OutcomeConflict    Outcome = "CONFLICT"     // 双方都有改动，交给用户选择
)

// Choice 冲突解决时保留哪一边
type Choice string

const (
	ChoiceLocal  Choice = "local"
	ChoiceServer Choice = "server"
)

var (
	ErrUnknownChoice = errors.New("UNKNOWN_RESOLUTION")
	ErrNoConflict    = errors.New("NO_CONFLICT")
)

func ParseChoice(s string) (Choice, error) {
	switch Choice(s) {
	case ChoiceLocal, ChoiceServer:
		return Choice(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownChoice, s)
}

// ConflictRecord 本地和服务端各自前进后产生的分叉
type ConflictRecord struct {
	collab.Identity
	HasConflict   bool      `json:"hasConflict"`
	LocalVersion  uint64    `json:"localVersion"`
	ServerVersion uint64    `json:"serverVersion"`
	LocalContent  string    `json:"localContent"`
	ServerContent string    `json:"serverContent"`
	DetectedAt    time.Time `json:"detectedAt"`
}

// LocalDocument 客户端离线期间持有的副本。
// Edited 表示自 Version 以来本地有没有未提交的改动。
type LocalDocument struct {
	collab.Identity
	UserID      string          `json:"userId"`
	Version     uint64          `json:"version"`
	Content     string          `json:"content"`
	Edited      bool            `json:"edited"`
	Conflict    *ConflictRecord `json:"conflict,omitempty"`
	LastOutcome Outcome         `json:"outcome,omitempty"`
}

// Decide 三方比较：本地版本、本地是否改过、服务端版本
func Decide(local *LocalDocument, server *collab.Document) (Outcome, error) {
	if local.Identity != server.Identity {
		return "", &collab.IrreconcilableStateError{Local: local.Identity, Server: server.Identity}
	}
	switch {
	case local.Version == server.Version && local.Content == server.Content:
		return OutcomeInSync, nil
	case !local.Edited:
		return OutcomeFastForward, nil
	case local.Version == server.Version:
		return OutcomePushLocal, nil
	default:
		// 服务端领先，或者本地版本比服务端还新（谱系已经分叉）
		return OutcomeConflict, nil
	}
}

// Reconcile 按 Decide 的结论更新本地副本。
// 只有出现冲突时返回 ConflictRecord，同时挂到 local.Conflict 上；
// PushLocal 需要调用方把本地内容提交成新操作，这里不改动 local。
func Reconcile(local *LocalDocument, server *collab.Document, now time.Time) (*ConflictRecord, error) {
	outcome, err := Decide(local, server)
	if err != nil {
		return nil, err
	}
	local.LastOutcome = outcome

	switch outcome {
	case OutcomeInSync:
		local.Edited = false
		local.Conflict = nil
	case OutcomeFastForward:
		local.Content = server.Content
		local.Version = server.Version
		local.Edited = false
		local.Conflict = nil
	case OutcomeConflict:
		rec := &ConflictRecord{
			Identity:      server.Identity,
			HasConflict:   true,
			LocalVersion:  local.Version,
			ServerVersion: server.Version,
			LocalContent:  local.Content,
			ServerContent: server.Content,
			DetectedAt:    now,
		}
		local.Conflict = rec
		return rec, nil
	}
	return nil, nil
}
