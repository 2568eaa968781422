package task

import "fmt"

// ModelType classifies a backend by what kind of model serves it.
type ModelType string

const (
	ModelLLM            ModelType = "llm"
	ModelSLM            ModelType = "slm"
	ModelEmbedding      ModelType = "embedding"
	ModelClassification ModelType = "classification"
	ModelSummarization  ModelType = "summarization"
	ModelTranslation    ModelType = "translation"
)

func (m ModelType) Valid() bool {
	switch m {
	case ModelLLM, ModelSLM, ModelEmbedding, ModelClassification,
		ModelSummarization, ModelTranslation:
		return true
	}
	return false
}

// ModelCapability is the static profile an adapter advertises at
// registration. It never changes at runtime; live signals (availability bit,
// rolling latency) live on the adapter and in the balancer's metrics.
type ModelCapability struct {
	ModelType      ModelType `json:"model_type"`
	SupportedTasks []string  `json:"supported_tasks"`
	MaxTokens      int       `json:"max_tokens"`

	// BaseLatencyMs is the advertised average response time. The balancer
	// scores with it until live samples exist, then switches to the
	// observed rolling mean.
	BaseLatencyMs float64 `json:"base_latency_ms"`

	// CostPer1K is USD per 1000 tokens.
	CostPer1K float64 `json:"cost_per_1k_tokens"`

	// QualityScore and Availability are [0,1] priors.
	QualityScore float64 `json:"quality_score"`
	Availability float64 `json:"availability"`
}

// Supports reports whether taskType is in the supported set (exact match).
func (c ModelCapability) Supports(taskType string) bool {
	for _, t := range c.SupportedTasks {
		if t == taskType {
			return true
		}
	}
	return false
}

func (c ModelCapability) Validate() error {
	if !c.ModelType.Valid() {
		return fmt.Errorf("invalid model_type %q", string(c.ModelType))
	}
	if len(c.SupportedTasks) == 0 {
		return fmt.Errorf("supported_tasks must not be empty")
	}
	for i, t := range c.SupportedTasks {
		if t == "" {
			return fmt.Errorf("supported_tasks[%d] is empty", i)
		}
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be > 0")
	}
	if c.BaseLatencyMs < 0 {
		return fmt.Errorf("base_latency_ms must be >= 0")
	}
	if c.CostPer1K < 0 {
		return fmt.Errorf("cost_per_1k_tokens must be >= 0")
	}
	if c.QualityScore < 0 || c.QualityScore > 1 {
		return fmt.Errorf("quality_score %.3f out of range [0,1]", c.QualityScore)
	}
	if c.Availability < 0 || c.Availability > 1 {
		return fmt.Errorf("availability %.3f out of range [0,1]", c.Availability)
	}
	return nil
}
