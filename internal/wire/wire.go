// Package wire implements the newline-delimited JSON protocol spoken over
// the embedding socket.
//
// The wire format is dynamically typed on the client side (single vs batch
// is detected by field presence, "type" is optional, priority strings are
// permissive). That dynamic typing is modeled here as an explicit tagged
// union: Kind is resolved once in Request.Resolve, every variant is named,
// and an unrecognized tag yields a clean client error instead of silently
// falling through.
package wire

import (
	"encoding/json"
	"fmt"
)

// Priority is the request's scheduling priority.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
	PriorityTrivial  Priority = "trivial"
)

// Valid reports whether p is one of the five recognized priority levels.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow, PriorityTrivial:
		return true
	}
	return false
}

// Kind identifies which tagged-union variant a Request resolved to.
type Kind string

const (
	KindEmbed              Kind = "embed"
	KindBatchEmbed         Kind = "batch_embed"
	KindHealth             Kind = "health"
	KindReady              Kind = "ready"
	KindGetDimension       Kind = "get_dimension"
	KindSetDimension       Kind = "set_dimension"
	KindRefreshDimension   Kind = "refresh_dimension"
	KindKYS                Kind = "kys"
	KindProcessCodebase    Kind = "process_codebase"
	KindProcessMemories    Kind = "process_memories"
	KindProcessCodeDefs    Kind = "process_code_definitions"
	KindUnknown            Kind = ""
)

// Request is the union of every shape a client may send. Raw wire fields are
// held verbatim; Resolve classifies them into a Kind and validates the
// fields that matter for that kind.
type Request struct {
	Type string `json:"type,omitempty"`

	Text  string   `json:"text,omitempty"`
	Texts []string `json:"texts,omitempty"`

	Priority  string `json:"priority,omitempty"`
	ForceDims int    `json:"dims,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	Stats bool `json:"stats,omitempty"`

	Dimension int `json:"dimension,omitempty"`

	BatchSize   int    `json:"batch_size,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	ProjectPath string `json:"project_path,omitempty"`
}

// ParseRequest decodes a single newline-delimited JSON line.
func ParseRequest(line []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, fmt.Errorf("malformed JSON: %w", err)
	}
	return &req, nil
}

// Resolve classifies the request into its tagged-union Kind, applying the
// field-presence detection this package implements, and returns a clean error
// for anything that doesn't match a known variant.
func (r *Request) Resolve() (Kind, error) {
	switch r.Type {
	case string(KindEmbed):
		return KindEmbed, nil
	case string(KindBatchEmbed):
		return KindBatchEmbed, nil
	case string(KindHealth), "stats":
		return KindHealth, nil
	case string(KindReady):
		return KindReady, nil
	case string(KindGetDimension):
		return KindGetDimension, nil
	case string(KindSetDimension):
		return KindSetDimension, nil
	case string(KindRefreshDimension):
		return KindRefreshDimension, nil
	case string(KindKYS):
		return KindKYS, nil
	case string(KindProcessCodebase):
		return KindProcessCodebase, nil
	case string(KindProcessMemories):
		return KindProcessMemories, nil
	case string(KindProcessCodeDefs):
		return KindProcessCodeDefs, nil
	case "":
		// No explicit type: detect by field presence.
		switch {
		case r.Stats:
			return KindHealth, nil
		case len(r.Texts) > 0:
			return KindBatchEmbed, nil
		case r.Text != "":
			return KindEmbed, nil
		default:
			return KindUnknown, fmt.Errorf("cannot infer request type: no text, texts, or type field present")
		}
	default:
		return KindUnknown, fmt.Errorf("unknown request type: %q", r.Type)
	}
}

// ResolvedPriority returns the request's priority, applying the default
// (medium for singles, low for batches) and rejecting unrecognized strings.
func (r *Request) ResolvedPriority(isBatch bool) (Priority, error) {
	if r.Priority == "" {
		if isBatch {
			return PriorityLow, nil
		}
		return PriorityMedium, nil
	}
	p := Priority(r.Priority)
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority: %q", r.Priority)
	}
	return p, nil
}

// EmbedResponse is returned for a successful "embed" request.
type EmbedResponse struct {
	Embedding  []float32 `json:"embedding"`
	Dimensions int       `json:"dimensions"`
	TargetDims int       `json:"target_dims"`
	QueryType  string    `json:"query_type,omitempty"`
	Complexity string    `json:"complexity,omitempty"`
	Priority   string    `json:"priority"`
	RequestID  string    `json:"request_id,omitempty"`
}

// BatchEmbedResponse is returned for a successful "batch_embed" request.
type BatchEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	Count      int         `json:"count"`
	TargetDims int         `json:"target_dims"`
	Priority   string      `json:"priority"`
	RequestID  string      `json:"request_id,omitempty"`
}

// ReadyResponse answers a fast readiness probe.
type ReadyResponse struct {
	Ready         bool   `json:"ready"`
	ModelLoaded   bool   `json:"model_loaded"`
	ModelHealthy  bool   `json:"model_healthy"`
	Status        string `json:"status"`
}

// DimensionResponse answers get_dimension / set_dimension.
type DimensionResponse struct {
	Native int `json:"native"`
	Target int `json:"target"`
}

// HealthResponse is the full stats snapshot.
type HealthResponse struct {
	Loaded       bool                   `json:"loaded"`
	Healthy      bool                   `json:"healthy"`
	NativeDims   int                    `json:"native_dims"`
	TargetDims   int                    `json:"target_dims"`
	Capabilities []string               `json:"capabilities"`
	Counters     map[string]uint64      `json:"counters"`
	Cache        map[string]interface{} `json:"cache"`
	Scheduler    map[string]interface{} `json:"scheduler"`
}

// ProcessingResponse is the optional heartbeat sent before the terminal
// response on a long-running request.
type ProcessingResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorResponse is returned for any client- or server-caused failure.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// Encode marshals v and appends the trailing newline every response must
// end with.
func Encode(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
