package worker

// RunRequest is the body of an extraction.run message.
type RunRequest struct {
	Enqueue bool `json:"enqueue"`
	// Consume defaults to true when omitted.
	Consume   *bool    `json:"consume,omitempty"`
	Shard     *int     `json:"shard,omitempty"`
	BatchSize int      `json:"batch_size,omitempty"`
	JobTypes  []string `json:"job_types,omitempty"`

	CorrelationID string `json:"correlation_id,omitempty"`
}

func (r RunRequest) ShouldConsume() bool {
	return r.Consume == nil || *r.Consume
}

// SubsidyExtracted is published after a job persisted new extraction results.
type SubsidyExtracted struct {
	SubsidyID     string   `json:"subsidy_id"`
	JobType       string   `json:"job_type"`
	ExtractedFrom string   `json:"extracted_from"`
	Ready         bool     `json:"ready"`
	MissingFields []string `json:"missing_fields"`
	UpdatedFields []string `json:"updated_fields"`
	FormsCount    int      `json:"forms_count"`
	GateValid     bool     `json:"gate_valid"`

	CorrelationID string `json:"correlation_id,omitempty"`
}
