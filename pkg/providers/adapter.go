package providers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"mercator-hq/conductor/pkg/registry"
)

// Request is the normalized request handed to an adapter. Vendor-specific
// translation happens inside the adapter.
type Request struct {
	// CorrelationID identifies the request across components.
	CorrelationID string `json:"correlation_id"`

	// BackendID is the registry id of the backend to call.
	BackendID string `json:"backend_id"`

	// Prompt is the request content.
	Prompt string `json:"prompt"`

	// MaxOutputTokens bounds the response size. Zero means backend default.
	MaxOutputTokens int `json:"max_output_tokens,omitempty"`

	// Metadata is passed through to the adapter.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Result is the normalized adapter response.
type Result struct {
	BackendID    string        `json:"backend_id"`
	Content      string        `json:"content"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Latency      time.Duration `json:"latency"`
}

// Adapter performs the call to one vendor. Execute must honour ctx
// cancellation and return either a result or an error, never both nil.
// Errors should be *ClassifiedError; anything else is classified by Classify.
type Adapter interface {
	// Name identifies the adapter in logs.
	Name() string

	// Execute performs one attempt.
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// Set maps backends to adapters. A backend-specific adapter wins over the
// adapter registered for its vendor.
type Set struct {
	mu        sync.RWMutex
	byBackend map[string]Adapter
	byVendor  map[string]Adapter
}

// NewSet creates an empty adapter set.
func NewSet() *Set {
	return &Set{
		byBackend: make(map[string]Adapter),
		byVendor:  make(map[string]Adapter),
	}
}

// RegisterVendor registers the adapter serving every backend of vendor.
func (s *Set) RegisterVendor(vendor string, a Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byVendor[strings.ToLower(vendor)] = a
}

// RegisterBackend registers an adapter for a single backend id.
func (s *Set) RegisterBackend(backendID string, a Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byBackend[backendID] = a
}

// For returns the adapter serving b.
func (s *Set) For(b registry.BackendDescriptor) (Adapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.byBackend[b.ID]; ok {
		return a, nil
	}
	if a, ok := s.byVendor[strings.ToLower(b.Vendor)]; ok {
		return a, nil
	}
	return nil, &ContractError{
		BackendID: b.ID,
		Message:   fmt.Sprintf("no adapter registered for vendor %q", b.Vendor),
	}
}
