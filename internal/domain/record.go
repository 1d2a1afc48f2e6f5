package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Record is one normalized transaction-like record entering the rule pipeline.
// Params: observation timestamp in unix milliseconds and arbitrary nested fields.
// Returns: validated record payload for rule evaluation.
type Record struct {
	DT     int64          `json:"dt"`
	Fields map[string]any `json:"fields"`
}

// RecordTime converts milliseconds unix timestamp into UTC time.
// Params: record timestamp in unix milliseconds.
// Returns: converted UTC time.
func (r Record) RecordTime() time.Time {
	return time.UnixMilli(r.DT).UTC()
}

// Lookup resolves one dotted field path inside nested record fields.
// Params: dotted path such as "transaction.amount".
// Returns: resolved value and presence flag.
func (r Record) Lookup(path string) (any, bool) {
	return LookupPath(r.Fields, path)
}

// LookupPath resolves one dotted path inside a nested key/value structure.
// Params: nested fields map and dotted path.
// Returns: resolved value and presence flag.
func LookupPath(fields map[string]any, path string) (any, bool) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || fields == nil {
		return nil, false
	}

	segments := strings.Split(trimmed, ".")
	var current any = fields
	for _, segment := range segments {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		value, exists := node[segment]
		if !exists {
			return nil, false
		}
		current = value
	}
	return current, true
}

// StringField resolves one dotted path as string.
// Params: dotted path into record fields.
// Returns: string value and presence flag.
func (r Record) StringField(path string) (string, bool) {
	value, ok := r.Lookup(path)
	if !ok {
		return "", false
	}
	text, ok := value.(string)
	return text, ok
}

// DecodeRecord decodes and validates one record payload.
// Params: JSON document bytes.
// Returns: validated record or decode/validation error.
func DecodeRecord(raw []byte) (Record, error) {
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	if err := record.Validate(); err != nil {
		return Record{}, err
	}
	return record, nil
}

// DecodeRecordsReader decodes and validates one batch of records from stream.
// Params: reader with one JSON array of records.
// Returns: validated records slice or decode/validation error.
func DecodeRecordsReader(reader *json.Decoder) ([]Record, error) {
	var records []Record
	if err := reader.Decode(&records); err != nil {
		return nil, fmt.Errorf("decode record batch: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("record batch must contain at least one record")
	}
	for i := range records {
		if err := records[i].Validate(); err != nil {
			return nil, fmt.Errorf("record[%d]: %w", i, err)
		}
	}
	return records, nil
}

// Validate validates one record against the ingest contract.
// Params: record fields parsed from transport.
// Returns: validation error when schema is violated.
func (r Record) Validate() error {
	if r.DT <= 0 {
		return errors.New("dt must be >0")
	}
	if len(r.Fields) == 0 {
		return errors.New("fields are required")
	}
	return nil
}
