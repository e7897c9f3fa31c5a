package collab

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaVersion 操作记录格式版本
const SchemaVersion = "doc-op-v0"

var ErrMalformedRecord = errors.New("malformed op record")

// OpRecord 写在 <author>/docs/<docId>/ops/<id> 下的一条操作，只追加，不修改不删除。
// VectorClock 预留字段：总是写 {}，读取时忽略。
type OpRecord struct {
	ID             string            `json:"id"`
	SchemaVersion  string            `json:"schemaVersion"`
	DocID          string            `json:"docId"`
	EncryptedDelta string            `json:"encryptedDelta"`
	Author         string            `json:"author"`
	Timestamp      int64             `json:"timestamp"` // Unix 毫秒
	VectorClock    map[string]uint64 `json:"vectorClock"`
}

const opRecordSchemaURL = "https://docsync.local/schemas/op-record.json"

const opRecordSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "docId", "encryptedDelta", "author"],
	"properties": {
		"id":             {"type": "string", "minLength": 1},
		"schemaVersion":  {"type": "string"},
		"docId":          {"type": "string", "minLength": 1},
		"encryptedDelta": {"type": "string", "minLength": 1},
		"author":         {"type": "string", "minLength": 1},
		"timestamp":      {"type": "integer", "minimum": 0},
		"vectorClock":    {"type": "object", "additionalProperties": {"type": "integer", "minimum": 0}}
	}
}`

var opRecordSchema = mustCompileSchema(opRecordSchemaURL, opRecordSchemaJSON)

func mustCompileSchema(url, src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic("collab: parse schema: " + err.Error())
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		panic("collab: add schema: " + err.Error())
	}
	return c.MustCompile(url)
}

func EncodeOpRecord(rec OpRecord) ([]byte, error) {
	if rec.VectorClock == nil {
		rec.VectorClock = map[string]uint64{}
	}
	return json.Marshal(rec)
}

// DecodeOpRecord 先按 JSON Schema 校验再解码，不合格的记录在解密前就被丢弃
func DecodeOpRecord(b []byte) (OpRecord, error) {
	var rec OpRecord
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return rec, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if err := opRecordSchema.Validate(doc); err != nil {
		return rec, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return rec, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return rec, nil
}
