package crdt

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"docsync/backend/internal/ot/delta"
)

var (
	ErrMalformedUpdate = errors.New("malformed crdt update")
	ErrOutOfRange      = errors.New("position out of range")
	// ErrBufferDrift 可见文本视图与 item 链表不一致，视图已按链表重建
	ErrBufferDrift = errors.New("crdt text buffer drift")
)

// 依赖迟迟不到的记录最多挂起这么多条，超出时丢弃最早的
const maxPending = 10000

type item struct {
	id          ID
	origin      *ID
	rightOrigin *ID
	content     string
	deleted     bool
	left, right *item
}

// TextDoc 基于 YATA 的纯文本 CRDT。
// 每个字符是一个 item，记录插入时左右邻居（origin / rightOrigin），
// 并发插入同一位置时按 origin 与客户端 ID 决定先后，所以任意副本按任意顺序整合结果一致。
// 删除只打墓碑，item 永不移除。
type TextDoc struct {
	mu       sync.Mutex
	clientID uint64
	start    *item
	items    map[ID]*item
	sv       map[uint64]uint64 // client -> 下一个期望的 clock
	pending  []record
	buf      Buffer
	bufErr   error // 本次修改中第一次 Buffer 同步失败

	handlers    map[int]func(Update)
	nextHandler int
}

var _ Document = (*TextDoc)(nil)

func NewTextDoc(clientID uint64) *TextDoc {
	return &TextDoc{
		clientID: clientID,
		items:    make(map[ID]*item),
		sv:       make(map[uint64]uint64),
		buf:      NewPieceTable(""),
		handlers: make(map[int]func(Update)),
	}
}

func (d *TextDoc) ClientID() uint64 { return d.clientID }

// OnUpdate 注册更新监听，返回的函数用于取消，可重复调用
func (d *TextDoc) OnUpdate(handler func(Update)) func() {
	d.mu.Lock()
	id := d.nextHandler
	d.nextHandler++
	d.handlers[id] = handler
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.handlers, id)
			d.mu.Unlock()
		})
	}
}

func (d *TextDoc) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buf.String()
}

func (d *TextDoc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buf.Len()
}

func (d *TextDoc) StateVector() map[uint64]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[uint64]uint64, len(d.sv))
	for k, v := range d.sv {
		out[k] = v
	}
	return out
}

// PendingLen 等待依赖的远端记录数
func (d *TextDoc) PendingLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *TextDoc) Insert(pos int, text string) error {
	if text == "" {
		return nil
	}
	d.mu.Lock()
	recs, err := d.insertLocked(pos, text)
	return d.commitLocal(recs, err)
}

func (d *TextDoc) Delete(pos, n int) error {
	if n == 0 {
		return nil
	}
	d.mu.Lock()
	recs, err := d.deleteLocked(pos, n)
	return d.commitLocal(recs, err)
}

// ApplyDelta 把编辑器的 retain/insert/delete 翻译成本地修改，整体只发出一次更新
func (d *TextDoc) ApplyDelta(dl delta.Delta) error {
	if err := dl.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	var (
		recs []record
		pos  int
		err  error
	)
	for _, op := range dl {
		var rs []record
		switch op.Kind {
		case delta.KindRetain:
			if pos+op.Count > d.buf.Len() {
				err = fmt.Errorf("%w: retain %d at %d", ErrOutOfRange, op.Count, pos)
				break
			}
			pos += op.Count
		case delta.KindInsert:
			rs, err = d.insertLocked(pos, op.Text)
			pos += utf8.RuneCountInString(op.Text)
		case delta.KindDelete:
			rs, err = d.deleteLocked(pos, op.Count)
		}
		recs = append(recs, rs...)
		if err != nil {
			break
		}
	}
	return d.commitLocal(recs, err)
}

// commitLocal 在持锁状态下调用，负责解锁并在锁外通知监听者
func (d *TextDoc) commitLocal(recs []record, opErr error) error {
	bufErr := d.takeBufErrLocked()
	if opErr == nil {
		opErr = bufErr
	}
	if len(recs) == 0 {
		d.mu.Unlock()
		return opErr
	}
	update, err := encodeRecords(recs)
	handlers := d.handlersLocked()
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.emit(handlers, Update{Bytes: update, Origin: OriginLocal})
	return opErr
}

// ApplyUpdate 整合远端更新。已有的 item 和重复删除被忽略，依赖未到的记录挂起，
// 每次有进展后重试挂起记录。只要有任何变化就以调用方给的 origin 发出一次更新。
func (d *TextDoc) ApplyUpdate(update []byte, origin Origin) error {
	recs, err := decodeRecords(update)
	if err != nil {
		return err
	}
	d.mu.Lock()
	applied := d.integrateRecords(recs)
	bufErr := d.takeBufErrLocked()
	if len(applied) == 0 {
		d.mu.Unlock()
		return bufErr
	}
	out, err := encodeRecords(applied)
	handlers := d.handlersLocked()
	d.mu.Unlock()
	if err != nil {
		return err
	}
	// 链表已经整合成功，即使视图出错也要把更新发出去
	d.emit(handlers, Update{Bytes: out, Origin: origin})
	return bufErr
}

// syncBuffer 把一次位置变化同步到可见文本视图，只记下第一个错误
func (d *TextDoc) syncBuffer(dl delta.Delta) {
	if err := d.buf.Apply(dl); err != nil && d.bufErr == nil {
		d.bufErr = fmt.Errorf("%w: %v", ErrBufferDrift, err)
	}
}

// takeBufErrLocked 取出并清空同步错误；出过错就从 item 链表重建视图
func (d *TextDoc) takeBufErrLocked() error {
	err := d.bufErr
	if err == nil {
		return nil
	}
	d.bufErr = nil
	var sb strings.Builder
	for it := d.start; it != nil; it = it.right {
		if !it.deleted {
			sb.WriteString(it.content)
		}
	}
	d.buf = NewPieceTable(sb.String())
	return err
}

// EncodeState 把整个文档编码成一个更新，用于快照和后加入的副本
func (d *TextDoc) EncodeState() ([]byte, error) {
	d.mu.Lock()
	inserts := make([]record, 0, len(d.items))
	var deletes []record
	for it := d.start; it != nil; it = it.right {
		inserts = append(inserts, record{
			Kind:        recordInsert,
			ID:          it.id,
			Origin:      it.origin,
			RightOrigin: it.rightOrigin,
			Content:     it.content,
		})
		if it.deleted {
			deletes = append(deletes, record{Kind: recordDelete, ID: it.id})
		}
	}
	d.mu.Unlock()

	sort.Slice(inserts, func(i, j int) bool {
		if inserts[i].ID.Client != inserts[j].ID.Client {
			return inserts[i].ID.Client < inserts[j].ID.Client
		}
		return inserts[i].ID.Clock < inserts[j].ID.Clock
	})
	return encodeRecords(append(inserts, deletes...))
}

func (d *TextDoc) handlersLocked() []func(Update) {
	ids := make([]int, 0, len(d.handlers))
	for id := range d.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Update), 0, len(ids))
	for _, id := range ids {
		out = append(out, d.handlers[id])
	}
	return out
}

func (d *TextDoc) emit(handlers []func(Update), u Update) {
	for _, h := range handlers {
		h(u)
	}
}

func (d *TextDoc) insertLocked(pos int, text string) ([]record, error) {
	if pos < 0 || pos > d.buf.Len() {
		return nil, fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, pos, d.buf.Len())
	}
	left := d.visibleAt(pos - 1)
	right := d.start
	if left != nil {
		right = left.right
	}
	recs := make([]record, 0, utf8.RuneCountInString(text))
	for _, r := range text {
		rec := record{
			Kind:    recordInsert,
			ID:      ID{Client: d.clientID, Clock: d.sv[d.clientID]},
			Content: string(r),
		}
		if left != nil {
			id := left.id
			rec.Origin = &id
		}
		if right != nil {
			id := right.id
			rec.RightOrigin = &id
		}
		left = d.integrate(rec)
		recs = append(recs, rec)
	}
	return recs, nil
}

func (d *TextDoc) deleteLocked(pos, n int) ([]record, error) {
	if pos < 0 || n < 0 || pos+n > d.buf.Len() {
		return nil, fmt.Errorf("%w: delete %d at %d, length %d", ErrOutOfRange, n, pos, d.buf.Len())
	}
	targets := make([]*item, 0, n)
	for it := d.visibleAt(pos); it != nil && len(targets) < n; it = it.right {
		if !it.deleted {
			targets = append(targets, it)
		}
	}
	recs := make([]record, 0, len(targets))
	for _, it := range targets {
		d.markDeleted(it)
		recs = append(recs, record{Kind: recordDelete, ID: it.id})
	}
	return recs, nil
}

// integrateRecords 把新记录和之前挂起的一起反复尝试，直到没有进展
func (d *TextDoc) integrateRecords(recs []record) []record {
	queue := make([]record, 0, len(d.pending)+len(recs))
	queue = append(queue, d.pending...)
	queue = append(queue, recs...)

	var applied []record
	for progress := true; progress; {
		progress = false
		rest := make([]record, 0, len(queue))
		for _, rec := range queue {
			switch d.tryApply(rec) {
			case applyDone:
				applied = append(applied, rec)
				progress = true
			case applyWait:
				rest = append(rest, rec)
			}
		}
		queue = rest
	}

	d.pending = d.pending[:0]
	seen := make(map[record]struct{}, len(queue))
	for _, rec := range queue {
		key := record{Kind: rec.Kind, ID: rec.ID}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		d.pending = append(d.pending, rec)
	}
	if over := len(d.pending) - maxPending; over > 0 {
		d.pending = append([]record(nil), d.pending[over:]...)
	}
	return applied
}

type applyResult int

const (
	applyDone applyResult = iota
	applySkip
	applyWait
)

func (d *TextDoc) tryApply(rec record) applyResult {
	switch rec.Kind {
	case recordInsert:
		next := d.sv[rec.ID.Client]
		if rec.ID.Clock < next {
			return applySkip
		}
		if rec.ID.Clock > next || !d.known(rec.Origin) || !d.known(rec.RightOrigin) {
			return applyWait
		}
		d.integrate(rec)
		return applyDone
	case recordDelete:
		it, ok := d.items[rec.ID]
		if !ok {
			return applyWait
		}
		if !d.markDeleted(it) {
			return applySkip
		}
		return applyDone
	}
	return applySkip
}

func (d *TextDoc) known(id *ID) bool {
	if id == nil {
		return true
	}
	_, ok := d.items[*id]
	return ok
}

// integrate 按 YATA 规则找到新 item 的位置并链入，调用前依赖必须已经满足
func (d *TextDoc) integrate(rec record) *item {
	it := &item{
		id:          rec.ID,
		origin:      rec.Origin,
		rightOrigin: rec.RightOrigin,
		content:     rec.Content,
	}
	var left, right *item
	if rec.Origin != nil {
		left = d.items[*rec.Origin]
	}
	if rec.RightOrigin != nil {
		right = d.items[*rec.RightOrigin]
	}

	if (left == nil && (right == nil || right.left != nil)) || (left != nil && left.right != right) {
		o := d.start
		if left != nil {
			o = left.right
		}
		conflicting := make(map[ID]struct{})
		beforeOrigin := make(map[ID]struct{})
		for o != nil && o != right {
			beforeOrigin[o.id] = struct{}{}
			conflicting[o.id] = struct{}{}
			if sameID(it.origin, o.origin) {
				// 同一个左邻居：客户端 ID 小的排在前面
				if o.id.Client < it.id.Client {
					left = o
					conflicting = make(map[ID]struct{})
				} else if sameID(it.rightOrigin, o.rightOrigin) {
					break
				}
			} else if o.origin != nil && contains(beforeOrigin, *o.origin) {
				if !contains(conflicting, *o.origin) {
					left = o
					conflicting = make(map[ID]struct{})
				}
			} else {
				break
			}
			o = o.right
		}
	}

	if left != nil {
		it.right = left.right
		left.right = it
	} else {
		it.right = d.start
		d.start = it
	}
	it.left = left
	if it.right != nil {
		it.right.left = it
	}

	d.items[it.id] = it
	d.sv[it.id.Client] = it.id.Clock + 1
	d.syncBuffer(delta.Insert(d.indexOf(it), it.content))
	return it
}

// markDeleted 打墓碑并同步 Buffer，已删除返回 false
func (d *TextDoc) markDeleted(it *item) bool {
	if it.deleted {
		return false
	}
	idx := d.indexOf(it)
	it.deleted = true
	d.syncBuffer(delta.Delete(idx, 1))
	return true
}

// indexOf 可见文本中 it 之前的字符数
func (d *TextDoc) indexOf(it *item) int {
	n := 0
	for o := d.start; o != nil && o != it; o = o.right {
		if !o.deleted {
			n++
		}
	}
	return n
}

// visibleAt 第 i 个可见 item，i < 0 或越界返回 nil
func (d *TextDoc) visibleAt(i int) *item {
	if i < 0 {
		return nil
	}
	for o := d.start; o != nil; o = o.right {
		if o.deleted {
			continue
		}
		if i == 0 {
			return o
		}
		i--
	}
	return nil
}

func sameID(a, b *ID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func contains(set map[ID]struct{}, id ID) bool {
	_, ok := set[id]
	return ok
}
