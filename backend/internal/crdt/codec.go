package crdt

import (
	"fmt"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
)

// 更新的线上格式：CBOR 数组，每个元素是一条 record。
// 使用 Core Deterministic Encoding，同样的数据总是得到同样的字节。
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("crdt: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 20,
	}.DecMode()
	if err != nil {
		panic("crdt: CBOR decoder initialization failed: " + err.Error())
	}
}

type recordKind uint8

const (
	recordInsert recordKind = 1
	recordDelete recordKind = 2
)

// ID 唯一标识一个字符 item：产生它的客户端 + 该客户端内递增的序号
type ID struct {
	Client uint64 `cbor:"a"`
	Clock  uint64 `cbor:"b"`
}

type record struct {
	Kind        recordKind `cbor:"k"`
	ID          ID         `cbor:"i"`
	Origin      *ID        `cbor:"o,omitempty"`
	RightOrigin *ID        `cbor:"r,omitempty"`
	Content     string     `cbor:"c,omitempty"`
}

func encodeRecords(recs []record) ([]byte, error) {
	return encMode.Marshal(recs)
}

func decodeRecords(b []byte) ([]record, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty update", ErrMalformedUpdate)
	}
	var recs []record
	if err := decMode.Unmarshal(b, &recs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	for i, rec := range recs {
		switch rec.Kind {
		case recordInsert:
			// 每个 item 恰好一个字符，位置换算才能和 Buffer 对齐
			if utf8.RuneCountInString(rec.Content) != 1 {
				return nil, fmt.Errorf("%w: record %d content must be one character", ErrMalformedUpdate, i)
			}
		case recordDelete:
		default:
			return nil, fmt.Errorf("%w: record %d has unknown kind %d", ErrMalformedUpdate, i, rec.Kind)
		}
	}
	return recs, nil
}
