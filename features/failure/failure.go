package failure

import (
	"errors"
	"fmt"
	"time"
)

type Reason string

const (
	ReasonFetchFailed        Reason = "FETCH_FAILED"
	ReasonParseFailed        Reason = "PARSE_FAILED"
	ReasonJobExhausted       Reason = "JOB_EXHAUSTED"
	ReasonCostGuardBlocked   Reason = "COST_GUARD_BLOCKED"
	ReasonFormsNotFound      Reason = "FORMS_NOT_FOUND"
	ReasonFieldsInsufficient Reason = "FIELDS_INSUFFICIENT"
)

// Reasons lists every reason in triage order.
var Reasons = []Reason{
	ReasonFetchFailed,
	ReasonParseFailed,
	ReasonJobExhausted,
	ReasonCostGuardBlocked,
	ReasonFormsNotFound,
	ReasonFieldsInsufficient,
}

// Priority is the triage rank of a reason; lower is more urgent.
func (r Reason) Priority() int {
	for i, known := range Reasons {
		if r == known {
			return i + 1
		}
	}
	return len(Reasons) + 1
}

func (r Reason) Valid() bool {
	return r.Priority() <= len(Reasons)
}

type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
	StatusIgnored  Status = "ignored"
)

const (
	StageExtract   = "extract"
	StageFormsGate = "forms_gate"
	StageFirecrawl = "firecrawl"
	StageLLM       = "llm"
)

func CostGuardStage(method string) string {
	return "cost_guard:" + method
}

func QueueStage(jobType string) string {
	return "queue:" + jobType
}

// Key identifies a failure record. URL is empty when no single URL applies.
type Key struct {
	SubsidyID string `json:"subsidyId"`
	URL       string `json:"url"`
	Stage     string `json:"stage"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s", k.SubsidyID, k.URL, k.Stage)
}

type Failure struct {
	ID              int64      `json:"id"`
	SubsidyID       string     `json:"subsidyId"`
	URL             string     `json:"url"`
	Stage           string     `json:"stage"`
	Reason          Reason     `json:"reason"`
	Message         string     `json:"message"`
	RetryCount      int        `json:"retryCount"`
	Status          Status     `json:"status"`
	Priority        int        `json:"priority"`
	FirstOccurredAt time.Time  `json:"firstOccurredAt"`
	LastOccurredAt  time.Time  `json:"lastOccurredAt"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
	ResolutionNote  string     `json:"resolutionNote,omitempty"`
}

func (f Failure) Key() Key {
	return Key{SubsidyID: f.SubsidyID, URL: f.URL, Stage: f.Stage}
}

type Filter struct {
	Status    Status
	Reason    Reason
	Stage     string
	SubsidyID string
	Limit     int
	Offset    int
}

type ReasonCount struct {
	Reason   Reason `json:"reason"`
	Priority int    `json:"priority"`
	Count    int    `json:"count"`
}

type StageCount struct {
	Stage string `json:"stage"`
	Count int    `json:"count"`
}

type Summary struct {
	TotalOpen int           `json:"totalOpen"`
	ByReason  []ReasonCount `json:"byReason"`
	ByStage   []StageCount  `json:"byStage"`
}

// OpenCount is one (reason, stage) bucket of open failures.
type OpenCount struct {
	Reason Reason
	Stage  string
	Count  int
}

// AlreadyRecorded reports whether err, or an error it wraps, declares that
// a ledger record for it has already been written.
func AlreadyRecorded(err error) bool {
	var r interface{ Recorded() bool }
	return errors.As(err, &r) && r.Recorded()
}
