package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"fraudalert/internal/domain"
)

// RecordSink receives decoded records from ingest interfaces.
// Params: decoded record payload.
// Returns: processing error.
type RecordSink interface {
	Push(record domain.Record) error
}

// batchRecordSink is an optional sink extension for batch pushes.
type batchRecordSink interface {
	PushBatch(records []domain.Record) error
}

// decodeRecordPayload auto-detects batch vs single record payloads.
// Params: raw JSON bytes with one object or array.
// Returns: validated records slice.
func decodeRecordPayload(raw []byte) ([]domain.Record, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	if payload[0] == '[' {
		records, err := domain.DecodeRecordsReader(decoder)
		if err != nil {
			return nil, err
		}
		if err := ensureJSONEOF(decoder); err != nil {
			return nil, err
		}
		return records, nil
	}

	record, err := domain.DecodeRecord(payload)
	if err != nil {
		return nil, err
	}
	return []domain.Record{record}, nil
}

// ensureJSONEOF rejects trailing tokens after a decoded JSON payload.
// Params: decoder positioned after primary decode.
// Returns: nil on EOF or error on trailing tokens.
func ensureJSONEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	err := decoder.Decode(&extra)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode trailing json: %w", err)
	}
	return errors.New("unexpected trailing json tokens")
}

// pushRecords sends records to sink with optional batch support.
// Params: record sink and record slice.
// Returns: first push error or nil.
func pushRecords(sink RecordSink, records []domain.Record) error {
	if len(records) == 0 {
		return nil
	}
	if batchSink, ok := sink.(batchRecordSink); ok {
		return batchSink.PushBatch(records)
	}
	for _, record := range records {
		if err := sink.Push(record); err != nil {
			return err
		}
	}
	return nil
}
