package crdt

import (
	"docsync/backend/internal/ot/delta"
)

// Buffer 可见文本的物化视图，按 rune 计位置。
// TextDoc 每链入或墓碑一个 item，就把它在可见文本中的下标翻译成单字符 delta 交给 Apply，
// String/Len 因此不用遍历带墓碑的 item 链表。Apply 出错时 TextDoc 返回 ErrBufferDrift 并按链表重建视图。
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	String() string
}

/*
PieceTable 视图的变化，以 clientID=1 依次输入 "ab" 再在开头插入 "x" 为例：

item 链表：  x(1:2) -> a(1:0) -> b(1:1)
  NewPieceTable("")           pieces = []
  Apply(Insert(0, "a"))       add = "a"    pieces = [(add,0,1)]
  Apply(Insert(1, "b"))       add = "ab"   pieces = [(add,0,1) (add,1,1)]
  Apply(Insert(0, "x"))       add = "abx"  pieces = [(add,2,1) (add,0,1) (add,1,1)]

远端删除 a(1:0) 时 indexOf 给出下标 1：
  Apply(Delete(1, 1))         pieces = [(add,2,1) (add,1,1)]   // "xb"，墓碑不进视图
*/
