package ingest

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fraudalert/internal/domain"
)

type httpTestSink struct {
	pushCalls  int
	batchCalls int
	records    []domain.Record
	err        error
}

func (s *httpTestSink) Push(record domain.Record) error {
	s.pushCalls++
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, record)
	return nil
}

func (s *httpTestSink) PushBatch(records []domain.Record) error {
	s.batchCalls++
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, records...)
	return nil
}

func testRecordJSON(amount int) string {
	return fmt.Sprintf(`{"dt":1767225600000,"fields":{"transaction_id":"t-%d","amount":%d}}`, amount, amount)
}

func TestHTTPHandlerAcceptsSingleRecord(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	handler := NewHTTPHandler(sink, 1<<20)
	request := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(testRecordJSON(100)))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if sink.pushCalls != 1 || sink.batchCalls != 0 {
		t.Fatalf("unexpected sink calls push=%d batch=%d", sink.pushCalls, sink.batchCalls)
	}
	if len(sink.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(sink.records))
	}
}

func TestHTTPHandlerAcceptsBatchRecords(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	handler := NewHTTPHandler(sink, 1<<20)
	payload := fmt.Sprintf("[%s,%s]", testRecordJSON(100), testRecordJSON(200))
	request := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(payload))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if sink.pushCalls != 0 || sink.batchCalls != 1 {
		t.Fatalf("unexpected sink calls push=%d batch=%d", sink.pushCalls, sink.batchCalls)
	}
	if len(sink.records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(sink.records))
	}
}

func TestHTTPHandlerRejectsEmptyBatch(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	handler := NewHTTPHandler(sink, 1<<20)
	request := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader("[]"))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, response.Code)
	}
	if sink.pushCalls != 0 || sink.batchCalls != 0 {
		t.Fatalf("unexpected sink calls push=%d batch=%d", sink.pushCalls, sink.batchCalls)
	}
}

func TestHTTPHandlerRejectsTrailingTokens(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	handler := NewHTTPHandler(sink, 1<<20)
	payload := fmt.Sprintf("[%s] garbage", testRecordJSON(100))
	request := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(payload))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, response.Code)
	}
}

func TestHTTPHandlerRejectsNonPost(t *testing.T) {
	t.Parallel()

	handler := NewHTTPHandler(&httpTestSink{}, 1<<20)
	request := httptest.NewRequest(http.MethodGet, "/ingest", nil)
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, response.Code)
	}
}

func TestHTTPHandlerReturnsServiceUnavailableOnPushError(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{err: errors.New("sink unavailable")}
	handler := NewHTTPHandler(sink, 1<<20)
	request := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(testRecordJSON(100)))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, response.Code)
	}
}
