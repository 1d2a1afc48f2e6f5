package ingest

import (
	"io"
	"net/http"
)

// HTTPHandler decodes JSON records and forwards them to the sink.
// Params: sink receives validated records, max body limits payload size.
// Returns: HTTP handler for the record ingest endpoint.
type HTTPHandler struct {
	sink        RecordSink
	maxBodySize int64
}

// NewHTTPHandler creates the record ingest HTTP handler.
// Params: sink and max request body size in bytes.
// Returns: configured handler.
func NewHTTPHandler(sink RecordSink, maxBodySize int64) *HTTPHandler {
	return &HTTPHandler{sink: sink, maxBodySize: maxBodySize}
}

// ServeHTTP handles one incoming record request, single or batch.
// Params: HTTP request/response writer pair.
// Returns: writes status code according to decode/push result.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	records, err := decodeRecordPayload(body)
	if err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := pushRecords(h.sink, records); err != nil {
		writer.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writer.WriteHeader(http.StatusAccepted)
}
