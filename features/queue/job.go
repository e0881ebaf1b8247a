package queue

import (
	"hash/fnv"
	"time"
)

// ShardCount is the shard modulus used for every shard key.
const ShardCount = 16

type Status string

const (
	StatusQueued Status = "queued"
	StatusLeased Status = "leased"
	StatusDone   Status = "done"
	StatusFailed Status = "failed"
)

type JobType string

const (
	JobExtractForms    JobType = "extract_forms"
	JobExtractPDF      JobType = "extract_pdf"
	JobEnrichFirecrawl JobType = "enrich_firecrawl"
	JobEnrichLLM       JobType = "enrich_llm"
)

// JobTypes lists every job type in enqueue order.
var JobTypes = []JobType{JobExtractForms, JobExtractPDF, JobEnrichFirecrawl, JobEnrichLLM}

// Priority is the default priority for new jobs of this type. Cheap
// extraction runs ahead of paid enrichment.
func (t JobType) Priority() int {
	switch t {
	case JobExtractForms:
		return 10
	case JobExtractPDF:
		return 20
	case JobEnrichFirecrawl:
		return 30
	case JobEnrichLLM:
		return 40
	}
	return 100
}

func (t JobType) Valid() bool {
	for _, known := range JobTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ShardKey maps a subsidy id onto [0, ShardCount) with FNV-1a.
func ShardKey(subsidyID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subsidyID))
	return int(h.Sum32() % ShardCount)
}

type Job struct {
	ID          string     `json:"id"`
	SubsidyID   string     `json:"subsidyId"`
	ShardKey    *int       `json:"shardKey,omitempty"`
	JobType     JobType    `json:"jobType"`
	Status      Status     `json:"status"`
	Priority    int        `json:"priority"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	LeaseOwner  string     `json:"leaseOwner,omitempty"`
	LeaseUntil  *time.Time `json:"leaseUntil,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// FailOutcome is the state a job lands in after a handler error.
type FailOutcome struct {
	Status   Status
	Attempts int
}

func (o FailOutcome) Terminal() bool {
	return o.Status == StatusFailed
}

type StatusCount struct {
	JobType JobType `json:"jobType"`
	Status  Status  `json:"status"`
	Count   int     `json:"count"`
}

type EnqueueOptions struct {
	JobTypes    []JobType
	Cap         int
	MaxAttempts int
}

type EnqueueCount struct {
	JobType  JobType `json:"jobType"`
	Eligible int     `json:"eligible"`
	Inserted int     `json:"inserted"`
}

type EnqueueReport struct {
	ByType   []EnqueueCount `json:"byType"`
	Inserted int            `json:"inserted"`
	Errors   []string       `json:"errors"`
}

type RunOptions struct {
	BatchSize int
	// Shard restricts selection to one shard; nil consumes every shard.
	Shard    *int
	WorkerID string
	Lease    time.Duration
}

type RunReport struct {
	Owner      string   `json:"owner"`
	Reclaimed  int      `json:"reclaimed"`
	Backfilled int      `json:"backfilled"`
	Selected   int      `json:"selected"`
	Claimed    int      `json:"claimed"`
	Completed  int      `json:"completed"`
	Retried    int      `json:"retried"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors"`
}
