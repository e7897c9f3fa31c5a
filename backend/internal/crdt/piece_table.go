package crdt

import (
	"fmt"
	"strings"

	"docsync/backend/internal/ot/delta"
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
}

var _ Buffer = (*PieceTable)(nil)

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		sb.WriteString(string(pt.runes(p)))
	}
	return sb.String()
}

func (pt *PieceTable) runes(p piece) []rune {
	if p.buf == bufOriginal {
		return pt.original[p.offset : p.offset+p.length]
	}
	return pt.add[p.offset : p.offset+p.length]
}

// Apply 依次执行 delta：
// retain 向前移动 pos；insert 在 pos 处拆分 piece；delete 从 pos 开始裁剪/移除 piece。
func (pt *PieceTable) Apply(d delta.Delta) error {
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
			if pos > pt.Len() {
				return fmt.Errorf("retain past end: pos=%d len=%d", pos, pt.Len())
			}

		case delta.KindInsert:
			r := []rune(op.Text)
			start := len(pt.add)
			pt.add = append(pt.add, r...)
			pt.insertPiece(pos, piece{buf: bufAdd, offset: start, length: len(r)})
			pos += len(r)

		case delta.KindDelete:
			if pos+op.Count > pt.Len() {
				return fmt.Errorf("delete past end: pos=%d count=%d len=%d", pos, op.Count, pt.Len())
			}
			pt.deleteRange(pos, op.Count)
		}
	}
	return nil
}

func (pt *PieceTable) insertPiece(pos int, np piece) {
	idx, offset := pt.locate(pos)
	if idx >= len(pt.pieces) {
		pt.pieces = append(pt.pieces, np)
		return
	}
	cur := pt.pieces[idx]
	newPieces := make([]piece, 0, len(pt.pieces)+2)
	newPieces = append(newPieces, pt.pieces[:idx]...)
	if offset > 0 {
		newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset, length: offset})
	}
	newPieces = append(newPieces, np)
	// 只动目标 piece，其他 piece 原样保留
	newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset})
	newPieces = append(newPieces, pt.pieces[idx+1:]...)
	pt.pieces = newPieces
}

func (pt *PieceTable) deleteRange(pos, count int) {
	remain := count
	idx, offset := pt.locate(pos)
	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		can := cur.length - offset
		if can <= 0 {
			idx++
			offset = 0
			continue
		}
		take := remain
		if take > can {
			take = can
		}

		if offset == 0 && take == cur.length {
			// 整个 piece 删掉，idx 不动
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
		} else {
			// 拆成左 / 右两段
			leftLen := offset
			rightLen := cur.length - offset - take
			repl := make([]piece, 0, 2)
			if leftLen > 0 {
				repl = append(repl, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
			}
			if rightLen > 0 {
				repl = append(repl, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
			}
			newPieces := make([]piece, 0, len(pt.pieces)+1)
			newPieces = append(newPieces, pt.pieces[:idx]...)
			newPieces = append(newPieces, repl...)
			newPieces = append(newPieces, pt.pieces[idx+1:]...)
			pt.pieces = newPieces
			if leftLen > 0 {
				idx++
			}
			offset = 0
		}
		remain -= take
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
