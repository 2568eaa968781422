package task

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestPriorityOrdering(t *testing.T) {
	if !(PriorityCritical < PriorityHigh && PriorityHigh < PriorityMedium && PriorityMedium < PriorityLow) {
		t.Fatal("priority constants must order critical < high < medium < low")
	}
	if PriorityCritical.Lane() != 0 || PriorityLow.Lane() != NumPriorities-1 {
		t.Fatalf("unexpected lane mapping: critical=%d low=%d", PriorityCritical.Lane(), PriorityLow.Lane())
	}
}

func TestParsePriority(t *testing.T) {
	cases := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"critical", PriorityCritical, false},
		{"high", PriorityHigh, false},
		{"medium", PriorityMedium, false},
		{"low", PriorityLow, false},
		{"", 0, false},
		{"urgent", 0, true},
	}
	for _, c := range cases {
		got, err := ParsePriority(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParsePriority(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePriority(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParsePriority(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestPriorityJSONRoundTrip(t *testing.T) {
	var req TaskRequest
	if err := json.Unmarshal([]byte(`{"task_type":"summarization","content":"x","priority":"high"}`), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.Priority != PriorityHigh {
		t.Fatalf("expected high, got %v", req.Priority)
	}

	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back TaskRequest
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal round trip: %v", err)
	}
	if back.Priority != PriorityHigh {
		t.Fatalf("round trip lost priority: %v", back.Priority)
	}

	// Absent priority stays unset so submit can default it.
	var bare TaskRequest
	if err := json.Unmarshal([]byte(`{"task_type":"t","content":"c"}`), &bare); err != nil {
		t.Fatalf("unmarshal bare: %v", err)
	}
	if bare.Priority.Valid() {
		t.Fatalf("absent priority should be unset, got %v", bare.Priority)
	}
}

func TestTaskRequestValidate(t *testing.T) {
	ok := TaskRequest{TaskType: "classification", Content: "hello"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	bad := []TaskRequest{
		{Content: "no type"},
		{TaskType: "t", RequiredQuality: 1.5},
		{TaskType: "t", RequiredQuality: -0.1},
		{TaskType: "t", MaxTokens: -1},
		{TaskType: "t", TimeoutMs: -5},
		{TaskType: "t", Priority: Priority(9)},
	}
	for i, r := range bad {
		if err := r.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestCapabilitySupports(t *testing.T) {
	c := ModelCapability{SupportedTasks: []string{"summarization", "classification"}}
	if !c.Supports("summarization") {
		t.Fatal("expected summarization supported")
	}
	if c.Supports("translation") {
		t.Fatal("translation should not be supported")
	}
	if c.Supports("summariz") {
		t.Fatal("membership must be exact match, not prefix")
	}
}

func TestCapabilityValidate(t *testing.T) {
	good := ModelCapability{
		ModelType:      ModelLLM,
		SupportedTasks: []string{"generation"},
		MaxTokens:      4096,
		BaseLatencyMs:  800,
		CostPer1K:      0.01,
		QualityScore:   0.9,
		Availability:   0.99,
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid capability rejected: %v", err)
	}

	bad := []ModelCapability{
		{ModelType: "gpu", SupportedTasks: []string{"x"}, MaxTokens: 1, QualityScore: 0.5, Availability: 1},
		{ModelType: ModelLLM, MaxTokens: 1, QualityScore: 0.5, Availability: 1},
		{ModelType: ModelLLM, SupportedTasks: []string{""}, MaxTokens: 1, QualityScore: 0.5, Availability: 1},
		{ModelType: ModelLLM, SupportedTasks: []string{"x"}, MaxTokens: 0, QualityScore: 0.5, Availability: 1},
		{ModelType: ModelLLM, SupportedTasks: []string{"x"}, MaxTokens: 1, QualityScore: 1.2, Availability: 1},
		{ModelType: ModelLLM, SupportedTasks: []string{"x"}, MaxTokens: 1, QualityScore: 0.5, Availability: -0.2},
	}
	for i, c := range bad {
		if err := c.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestFailureResponse(t *testing.T) {
	resp := Failure("t1", "m1", ErrClassTimeout, errors.New("deadline exceeded"))
	if !resp.Failed() {
		t.Fatal("failure response must carry the zero-confidence sentinel")
	}
	if resp.ErrorClass() != ErrClassTimeout {
		t.Fatalf("expected timeout class, got %q", resp.ErrorClass())
	}
	if resp.ErrorDetail() != "deadline exceeded" {
		t.Fatalf("unexpected detail: %q", resp.ErrorDetail())
	}
	if resp.TaskID != "t1" || resp.ModelID != "m1" {
		t.Fatalf("ids not carried: %+v", resp)
	}

	// Nil error falls back to the class name.
	resp = Failure("t2", "", ErrClassNoBackend, nil)
	if resp.ErrorDetail() != string(ErrClassNoBackend) {
		t.Fatalf("unexpected default detail: %q", resp.ErrorDetail())
	}
}

func TestAdapterConfigValidate(t *testing.T) {
	cap := ModelCapability{
		ModelType:      ModelSLM,
		SupportedTasks: []string{"classification"},
		MaxTokens:      512,
		QualityScore:   0.7,
		Availability:   0.95,
	}

	good := []AdapterConfig{
		{ModelID: "r1", Kind: KindRemote, Endpoint: "http://backend:8080", Capability: cap},
		{ModelID: "l1", Kind: KindLocal, Capability: cap},
	}
	for i, c := range good {
		if err := c.Validate(); err != nil {
			t.Errorf("case %d: valid config rejected: %v", i, err)
		}
	}

	bad := []AdapterConfig{
		{Kind: KindLocal, Capability: cap},
		{ModelID: "x", Kind: "grpc", Capability: cap},
		{ModelID: "x", Kind: KindRemote, Capability: cap},
		{ModelID: "x", Kind: KindRemote, Endpoint: "backend:8080", Capability: cap},
		{ModelID: "x", Kind: KindLocal, Endpoint: "http://nope", Capability: cap},
		{ModelID: "x", Kind: KindLocal, MaxConcurrent: -1, Capability: cap},
		{ModelID: "x", Kind: KindLocal, Capability: ModelCapability{}},
	}
	for i, c := range bad {
		if err := c.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestVaultRef(t *testing.T) {
	c := AdapterConfig{AuthToken: "vault:backend-acme"}
	name, ok := c.IsVaultRef()
	if !ok || name != "backend-acme" {
		t.Fatalf("expected vault ref backend-acme, got %q ok=%v", name, ok)
	}
	c.AuthToken = "sk-literal"
	if _, ok := c.IsVaultRef(); ok {
		t.Fatal("literal token misread as vault ref")
	}
}
