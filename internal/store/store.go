package store

import (
	"context"
	"time"
)

// Store defines the persistence interface for modelmux.
type Store interface {
	// Backends
	ListBackends(ctx context.Context) ([]BackendRecord, error)
	GetBackend(ctx context.Context, modelID string) (*BackendRecord, error)
	UpsertBackend(ctx context.Context, b BackendRecord) error
	DeleteBackend(ctx context.Context, modelID string) error

	// Task log (for audit and dashboard)
	LogTask(ctx context.Context, entry TaskLog) error
	ListTaskLogs(ctx context.Context, f TaskLogFilter) ([]TaskLog, error)
	PruneTaskLogs(ctx context.Context, before time.Time) (int64, error)

	// Vault persistence
	SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error
	LoadVaultBlob(ctx context.Context) (salt []byte, data map[string]string, err error)

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// BackendRecord is the persisted form of an adapter configuration.
// Config holds the full adapter config as JSON; the indexed columns
// exist for listing and filtering without decoding.
type BackendRecord struct {
	ModelID   string    `json:"model_id"`
	Kind      string    `json:"kind"` // remote, local
	Config    string    `json:"config"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskLog captures a single completed task for audit/dashboard.
type TaskLog struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	TaskID      string    `json:"task_id"`
	TaskType    string    `json:"task_type"`
	Priority    string    `json:"priority"`
	ModelID     string    `json:"model_id"`
	LatencyMs   int64     `json:"latency_ms"`
	QueueWaitMs int64     `json:"queue_wait_ms"`
	TokensUsed  int       `json:"tokens_used"`
	CostUSD     float64   `json:"cost_usd"`
	Confidence  float64   `json:"confidence"`
	Success     bool      `json:"success"`
	ErrorClass  string    `json:"error_class,omitempty"`
	CacheHit    bool      `json:"cache_hit"`
}

// TaskLogFilter narrows ListTaskLogs results. Zero values mean "no filter".
type TaskLogFilter struct {
	ModelID  string
	TaskType string
	Since    time.Time
	Limit    int
	Offset   int
}
