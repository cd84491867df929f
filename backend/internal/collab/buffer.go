package collab

import (
	"notecollab/backend/internal/ot/delta"
)

// 抽象文档内容缓冲区接口
type Buffer interface {
	Len() int
	Apply(op delta.Operation) error
	String() string
}

// Replay 从空内容开始按顺序重放历史，得到的内容必须和 Document.Content 一致
func Replay(history []delta.Operation) (string, error) {
	buf := NewPieceTable("")
	for _, op := range history {
		if err := buf.Apply(op); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

// ApplyTo 在 content 上应用一次操作，返回新内容；越界时返回 InvalidRangeError
func ApplyTo(content string, op delta.Operation) (string, error) {
	buf := NewPieceTable(content)
	if err := buf.Apply(op); err != nil {
		return "", err
	}
	return buf.String(), nil
}

/*
结构示例

初始文档内容 `"Hello world"`：

- original buffer 内容：`"Hello world"`
- add buffer 为空 (`""`)
- piece 表：


[ (orig, offset=0, length=11) ]  // 整个文档


Insert{start=5, text=" collaborative"}：
- 在 **add buffer** 末尾追加 `" collaborative"`
- piece 表从一条拆成三条：


[
  (orig, offset=0, length=5),       // "Hello"
  (add,  offset=0, length=14),      // " collaborative"
  (orig, offset=5, length=6),       // " world"
]

Replace{start, end, text} = 先删除 [start, end)，再在 start 处插入 text
*/
