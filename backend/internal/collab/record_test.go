package collab

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeOpRecord_WireFields(t *testing.T) {
	b, err := EncodeOpRecord(OpRecord{
		ID:             "op-1",
		SchemaVersion:  SchemaVersion,
		DocID:          "doc-1",
		EncryptedDelta: "SEA1.abc",
		Author:         "alice",
		Timestamp:      1700000000000,
	})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.Equal(t, map[string]any{
		"id":             "op-1",
		"schemaVersion":  "doc-op-v0",
		"docId":          "doc-1",
		"encryptedDelta": "SEA1.abc",
		"author":         "alice",
		"timestamp":      float64(1700000000000),
		"vectorClock":    map[string]any{},
	}, raw)
}

func TestDecodeOpRecord(t *testing.T) {
	rec, err := DecodeOpRecord([]byte(`{"id":"op-1","schemaVersion":"doc-op-v0","docId":"d","encryptedDelta":"x","author":"bob","timestamp":5,"vectorClock":{"bob":3}}`))
	require.NoError(t, err)
	assert.Equal(t, "bob", rec.Author)
	assert.Equal(t, int64(5), rec.Timestamp)
	assert.Equal(t, map[string]uint64{"bob": 3}, rec.VectorClock)

	// 未知字段和缺省的可选字段都接受
	_, err = DecodeOpRecord([]byte(`{"id":"op-1","docId":"d","encryptedDelta":"x","author":"bob","extra":true}`))
	assert.NoError(t, err)
}

func TestDecodeOpRecord_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":          `{"id":`,
		"array":             `[]`,
		"missing author":    `{"id":"op-1","docId":"d","encryptedDelta":"x"}`,
		"empty delta":       `{"id":"op-1","docId":"d","encryptedDelta":"","author":"bob"}`,
		"numeric id":        `{"id":1,"docId":"d","encryptedDelta":"x","author":"bob"}`,
		"negative time":     `{"id":"op-1","docId":"d","encryptedDelta":"x","author":"bob","timestamp":-1}`,
		"fractional time":   `{"id":"op-1","docId":"d","encryptedDelta":"x","author":"bob","timestamp":1.5}`,
		"bad vector clock":  `{"id":"op-1","docId":"d","encryptedDelta":"x","author":"bob","vectorClock":{"a":"b"}}`,
		"null vector clock": `{"id":"op-1","docId":"d","encryptedDelta":"x","author":"bob","vectorClock":null}`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeOpRecord([]byte(in))
			assert.ErrorIs(t, err, ErrMalformedRecord)
		})
	}
}
