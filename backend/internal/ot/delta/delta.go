package delta

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Op struct {
	Kind  Kind           `json:"kind"`            // "retain" / "insert" / "delete"
	Count int            `json:"count,omitempty"` // retain/delete 的长度
	Text  string         `json:"text,omitempty"`  // insert 的文本
	Attrs map[string]any `json:"attrs,omitempty"` // 样式属性（粗体/颜色等）
}

type Delta []Op

// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]

var ErrInvalidOp = errors.New("invalid delta op")

// Insert 在 pos 处插入 text
func Insert(pos int, text string) Delta {
	d := Delta{}
	if pos > 0 {
		d = append(d, Op{Kind: KindRetain, Count: pos})
	}
	return append(d, Op{Kind: KindInsert, Text: text})
}

// Delete 从 pos 开始删除 n 个字符
func Delete(pos, n int) Delta {
	d := Delta{}
	if pos > 0 {
		d = append(d, Op{Kind: KindRetain, Count: pos})
	}
	return append(d, Op{Kind: KindDelete, Count: n})
}

// Validate 检查每个 op 的字段是否合法
func (d Delta) Validate() error {
	for i, op := range d {
		switch op.Kind {
		case KindRetain, KindDelete:
			if op.Count < 0 {
				return fmt.Errorf("%w: op %d has negative count %d", ErrInvalidOp, i, op.Count)
			}
		case KindInsert:
			if op.Text == "" {
				return fmt.Errorf("%w: op %d inserts empty text", ErrInvalidOp, i)
			}
		default:
			return fmt.Errorf("%w: op %d has unknown kind %q", ErrInvalidOp, i, op.Kind)
		}
	}
	return nil
}
