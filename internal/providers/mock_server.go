// Package providers contains test doubles for execution adapter endpoints.
package providers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockServer is an httptest server speaking the normalized execute
// endpoint. Responses are queued and replayed in order; the last one
// repeats once the queue is drained.
type MockServer struct {
	server *httptest.Server

	mu        sync.Mutex
	responses []MockResponse
	requests  []RecordedRequest
}

// MockResponse defines one canned response.
type MockResponse struct {
	StatusCode int
	Body       any
	Delay      time.Duration
	Headers    map[string]string
}

// RecordedRequest is what the server observed for one call.
type RecordedRequest struct {
	Path          string
	Authorization string
	CorrelationID string
	Body          map[string]any
}

// NewMockServer starts a mock server. Call Close when done.
func NewMockServer() *MockServer {
	ms := &MockServer{}
	ms.server = httptest.NewServer(http.HandlerFunc(ms.handler))
	return ms
}

// URL returns the server's base URL.
func (ms *MockServer) URL() string {
	return ms.server.URL
}

// Close shuts the server down.
func (ms *MockServer) Close() {
	ms.server.Close()
}

// Enqueue appends responses to the replay queue.
func (ms *MockServer) Enqueue(responses ...MockResponse) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.responses = append(ms.responses, responses...)
}

// Requests returns the requests received so far.
func (ms *MockServer) Requests() []RecordedRequest {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]RecordedRequest(nil), ms.requests...)
}

func (ms *MockServer) handler(w http.ResponseWriter, r *http.Request) {
	rec := RecordedRequest{
		Path:          r.URL.Path,
		Authorization: r.Header.Get("Authorization"),
		CorrelationID: r.Header.Get("X-Correlation-ID"),
	}
	_ = json.NewDecoder(r.Body).Decode(&rec.Body)

	ms.mu.Lock()
	ms.requests = append(ms.requests, rec)
	var response MockResponse
	switch len(ms.responses) {
	case 0:
		response = MockResponse{StatusCode: http.StatusOK, Body: ExecuteResponse("ok", 10, 20)}
	case 1:
		response = ms.responses[0]
	default:
		response = ms.responses[0]
		ms.responses = ms.responses[1:]
	}
	ms.mu.Unlock()

	if response.Delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(response.Delay):
		}
	}

	for key, value := range response.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(response.StatusCode)

	if response.Body != nil {
		switch v := response.Body.(type) {
		case string:
			_, _ = w.Write([]byte(v))
		case []byte:
			_, _ = w.Write(v)
		default:
			_ = json.NewEncoder(w).Encode(response.Body)
		}
	}
}

// ExecuteResponse builds a successful normalized response body.
func ExecuteResponse(content string, inputTokens, outputTokens int) map[string]any {
	return map[string]any{
		"content":       content,
		"input_tokens":  inputTokens,
		"output_tokens": outputTokens,
		"finish_reason": "stop",
	}
}
