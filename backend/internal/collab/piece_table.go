package collab

import (
	"strings"

	"notecollab/backend/internal/ot/delta"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	// 指针标签，表示从 original 还是 add 切片上偏移
	buf    bufferKind
	offset int
	length int
}

type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
	length   int
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r, length: len(r)}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int {
	return pt.length
}

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		switch p.buf {
		case bufOriginal:
			sb.WriteString(string(pt.original[p.offset : p.offset+p.length]))
		case bufAdd:
			sb.WriteString(string(pt.add[p.offset : p.offset+p.length]))
		}
	}
	return sb.String()
}

// Apply 校验后应用一次操作；校验失败时内容不变
func (pt *PieceTable) Apply(op delta.Operation) error {
	if err := op.ValidateLen(pt.length); err != nil {
		return err
	}
	switch op.Kind {
	case delta.KindInsert:
		pt.insert(op.Start, op.Text)
	case delta.KindDelete:
		pt.delete(op.Start, op.End-op.Start)
	case delta.KindReplace:
		pt.delete(op.Start, op.End-op.Start)
		pt.insert(op.Start, op.Text)
	}
	return nil
}

func (pt *PieceTable) insert(pos int, text string) {
	r := []rune(text)
	if len(r) == 0 {
		return
	}
	start := len(pt.add)
	pt.add = append(pt.add, r...)
	newPiece := piece{buf: bufAdd, offset: start, length: len(r)}

	idx, offset := pt.locate(pos)
	if idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		left := piece{buf: cur.buf, offset: cur.offset, length: offset}
		right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

		newPieces := make([]piece, 0, len(pt.pieces)+2)
		newPieces = append(newPieces, pt.pieces[:idx]...)
		if left.length > 0 {
			newPieces = append(newPieces, left)
		}
		newPieces = append(newPieces, newPiece)
		if right.length > 0 {
			newPieces = append(newPieces, right)
		}
		newPieces = append(newPieces, pt.pieces[idx+1:]...)
		pt.pieces = newPieces
	} else {
		pt.pieces = append(pt.pieces, newPiece)
	}
	pt.length += len(r)
}

func (pt *PieceTable) delete(pos, count int) {
	remain := count
	idx, offset := pt.locate(pos)

	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		// 这个 piece 里还剩多少可删
		can := cur.length - offset
		take := remain
		if take > can {
			take = can
		}

		if offset == 0 && take == cur.length {
			// 整个 piece 都删掉，idx 不动（现在这个位置是删完后的下一个 piece）
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
		} else {
			// 只删中间一段：拆成 左 / 右 两段
			leftLen := offset
			rightLen := cur.length - offset - take

			newPieces := make([]piece, 0, len(pt.pieces)+1)
			newPieces = append(newPieces, pt.pieces[:idx]...)
			if leftLen > 0 {
				newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
			}
			if rightLen > 0 {
				newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
			}
			newPieces = append(newPieces, pt.pieces[idx+1:]...)
			pt.pieces = newPieces
			if leftLen > 0 {
				idx++
			}
			offset = 0
		}

		remain -= take
		pt.length -= take
	}
}

// 根据逻辑位置 pos，找到对应的 piece 下标 idx 和在该 piece 内的偏移 offset
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
