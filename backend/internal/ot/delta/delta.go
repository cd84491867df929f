package delta

import (
	"time"
	"unicode/utf8"
)

type Kind string

const (
	KindInsert  Kind = "insert"
	KindDelete  Kind = "delete"
	KindReplace Kind = "replace"
)

// Valid 只接受三种已知类型；其他字符串只可能来自线上反序列化
func (k Kind) Valid() bool {
	switch k {
	case KindInsert, KindDelete, KindReplace:
		return true
	}
	return false
}

// Operation 客户端提交的一次编辑。
// 位置按 rune 计数（不是字节），End 只对 delete/replace 有意义，Text 只对 insert/replace 有意义。
type Operation struct {
	ID          string    `json:"id"`          // 客户端生成，用于 ack 关联
	UserID      string    `json:"userId"`      // 由鉴权上下文填入
	BaseVersion uint64    `json:"baseVersion"` // 客户端认为的当前版本
	Kind        Kind      `json:"kind"`
	Start       int       `json:"start"`
	End         int       `json:"end,omitempty"`
	Text        string    `json:"text,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Validate 校验 op 在 content 上是否可以应用
func (op Operation) Validate(content string) error {
	return op.ValidateLen(utf8.RuneCountInString(content))
}

// ValidateLen 和 Validate 一样，但直接给出文档长度（rune 数）
func (op Operation) ValidateLen(length int) error {
	switch op.Kind {
	case KindInsert:
		if op.Start < 0 || op.Start > length {
			return &InvalidRangeError{Kind: op.Kind, Start: op.Start, End: op.Start, Length: length}
		}
	case KindDelete, KindReplace:
		if op.Start < 0 || op.Start > op.End || op.End > length {
			return &InvalidRangeError{Kind: op.Kind, Start: op.Start, End: op.End, Length: length}
		}
	default:
		return &UnknownOperationKindError{Kind: string(op.Kind)}
	}
	return nil
}

// RemovedLen 这次操作删掉的字符数
func (op Operation) RemovedLen() int {
	if op.Kind == KindInsert {
		return 0
	}
	return op.End - op.Start
}

// InsertedLen 这次操作插入的字符数
func (op Operation) InsertedLen() int {
	if op.Kind == KindDelete {
		return 0
	}
	return utf8.RuneCountInString(op.Text)
}

func Insert(start int, text string) Operation {
	return Operation{Kind: KindInsert, Start: start, Text: text}
}

func Delete(start, end int) Operation {
	return Operation{Kind: KindDelete, Start: start, End: end}
}

func Replace(start, end int, text string) Operation {
	return Operation{Kind: KindReplace, Start: start, End: end, Text: text}
}

// {"kind":"replace","start":0,"end":5,"text":"Hello","baseVersion":3}
