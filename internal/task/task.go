// Package task defines the scheduler's data model: requests, responses,
// priorities, and the capability descriptors adapters advertise. It is a leaf
// package; everything else imports it.
package task

import (
	"fmt"
	"time"
)

// Priority orders queue lanes. Critical drains before high, high before
// medium, medium before low. The zero value is "unset" so a request that
// never specified a priority can be defaulted (to medium) at submit time.
type Priority int

const (
	PriorityCritical Priority = 1 + iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

// NumPriorities is the number of queue lanes.
const NumPriorities = 4

func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// Lane maps a priority to its lane index, critical first.
func (p Priority) Lane() int { return int(p) - 1 }

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts the wire form ("critical", "high", "medium", "low")
// back to a Priority. The empty string parses to the unset zero value.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "medium":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	case "":
		return 0, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

func (p Priority) MarshalJSON() ([]byte, error) {
	if !p.Valid() {
		return []byte(`""`), nil
	}
	return []byte(`"` + p.String() + `"`), nil
}

func (p *Priority) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// TaskRequest is the unit of work callers submit. TaskType is matched against
// adapter SupportedTasks; Content is the opaque payload; Context rides along
// untouched for adapters that want caller hints.
type TaskRequest struct {
	TaskID   string         `json:"task_id"`
	TaskType string         `json:"task_type"`
	Content  string         `json:"content"`
	Context  map[string]any `json:"context,omitempty"`
	Priority Priority       `json:"priority,omitempty"`

	// MaxTokens caps the response budget; 0 lets the adapter decide.
	MaxTokens int `json:"max_tokens,omitempty"`

	// TimeoutMs bounds the adapter call for this task; 0 uses the
	// scheduler default. The worker derives a context deadline from it.
	TimeoutMs int `json:"timeout_ms,omitempty"`

	// RequiredQuality is a soft floor in [0,1]. Adapters below it are not
	// excluded, but their quality term is halved during scoring. 0 = unset.
	RequiredQuality float64 `json:"required_quality,omitempty"`

	SubmittedAt time.Time `json:"submitted_at,omitempty"`
}

// Validate checks the fields callers control. TaskID and SubmittedAt are
// stamped by the scheduler and deliberately not required here.
func (r TaskRequest) Validate() error {
	if r.TaskType == "" {
		return fmt.Errorf("task_type is required")
	}
	if r.RequiredQuality < 0 || r.RequiredQuality > 1 {
		return fmt.Errorf("required_quality %.3f out of range [0,1]", r.RequiredQuality)
	}
	if r.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be >= 0")
	}
	if r.TimeoutMs < 0 {
		return fmt.Errorf("timeout_ms must be >= 0")
	}
	if r.Priority != 0 && !r.Priority.Valid() {
		return fmt.Errorf("invalid priority %d", int(r.Priority))
	}
	return nil
}

// ErrorClass labels why a task failed. It lands in response metadata so
// callers and the telemetry log can branch without string matching.
type ErrorClass string

const (
	ErrClassTimeout     ErrorClass = "timeout"
	ErrClassCanceled    ErrorClass = "canceled"
	ErrClassBackend     ErrorClass = "backend_error"
	ErrClassCircuitOpen ErrorClass = "circuit_open"
	ErrClassNoBackend   ErrorClass = "no_backend"
	ErrClassPanic       ErrorClass = "panic"
	ErrClassRejected    ErrorClass = "rejected"
)

// ModelResponse is the result of processing one task. Confidence of exactly
// zero is the failure sentinel; adapters never return errors, they return a
// zero-confidence response with Metadata["error"] describing what happened.
type ModelResponse struct {
	TaskID       string         `json:"task_id"`
	ModelID      string         `json:"model_id"`
	Output       string         `json:"output"`
	Confidence   float64        `json:"confidence"`
	ProcessingMs float64        `json:"processing_ms"`
	TokensUsed   int            `json:"tokens_used"`
	CostUSD      float64        `json:"cost_usd"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CompletedAt  time.Time      `json:"completed_at,omitempty"`
}

// Failed reports whether this response carries the failure sentinel.
func (r ModelResponse) Failed() bool { return r.Confidence == 0 }

// ErrorClass extracts the failure class from metadata, or "" for successes.
func (r ModelResponse) ErrorClass() ErrorClass {
	if r.Metadata == nil {
		return ""
	}
	if c, ok := r.Metadata["error_class"].(string); ok {
		return ErrorClass(c)
	}
	return ""
}

// ErrorDetail extracts the human-readable failure detail, or "".
func (r ModelResponse) ErrorDetail() string {
	if r.Metadata == nil {
		return ""
	}
	if s, ok := r.Metadata["error"].(string); ok {
		return s
	}
	return ""
}

// Failure builds the canonical failure response so every failure path in the
// system produces the same shape.
func Failure(taskID, modelID string, class ErrorClass, err error) ModelResponse {
	detail := string(class)
	if err != nil {
		detail = err.Error()
	}
	return ModelResponse{
		TaskID:     taskID,
		ModelID:    modelID,
		Confidence: 0,
		Metadata: map[string]any{
			"error":       detail,
			"error_class": string(class),
		},
		CompletedAt: time.Now().UTC(),
	}
}
