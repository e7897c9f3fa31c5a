package crdt

// Origin 标记一次更新事件的来源。Provider 只广播非 Remote 的更新，
// 用类型代替字符串约定，避免把远端更新再广播回去形成环路。
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
	OriginOther
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	default:
		return "other"
	}
}

// Update 文档每次本地修改或应用远端更新后发出的事件
type Update struct {
	Bytes  []byte
	Origin Origin
}

// Document 同步层依赖的 CRDT 文档能力：更新事件流 + 应用更新。
// 合并必须满足交换律、结合律、幂等，容忍任意顺序与重复投递。
type Document interface {
	OnUpdate(handler func(Update)) (unsubscribe func())
	ApplyUpdate(update []byte, origin Origin) error
}
