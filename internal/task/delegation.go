package task

import "time"

// DelegationStatus is the state of one sub-agent run bound to a task.
type DelegationStatus string

const (
	DelegationSpawned   DelegationStatus = "spawned"
	DelegationRunning   DelegationStatus = "running"
	DelegationCompleted DelegationStatus = "completed"
	DelegationFailed    DelegationStatus = "failed"
	DelegationVerified  DelegationStatus = "verified"
	DelegationRejected  DelegationStatus = "rejected"
	DelegationRetrying  DelegationStatus = "retrying"
	DelegationAbandoned DelegationStatus = "abandoned"
)

// Settled reports whether the delegation needs no further attention.
func (s DelegationStatus) Settled() bool {
	return s == DelegationVerified || s == DelegationAbandoned
}

// Delegation records one sub-agent run spawned on behalf of a task.
type Delegation struct {
	DelegationID     string           `json:"delegationId"`
	RunID            string           `json:"runId"`
	TargetAgentID    string           `json:"targetAgentId"`
	TargetSessionKey string           `json:"targetSessionKey"`
	Task             string           `json:"task"`
	Label            string           `json:"label,omitempty"`
	Status           DelegationStatus `json:"status"`
	RetryCount       int              `json:"retryCount"`
	MaxRetries       int              `json:"maxRetries"`
	PreviousErrors   []string         `json:"previousErrors,omitempty"`
	ResultSnapshot   string           `json:"resultSnapshot,omitempty"`
	VerificationNote string           `json:"verificationNote,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// DelegationEvent is one transition in a delegation's history, appended to
// the owning task alongside the record update.
type DelegationEvent struct {
	DelegationID string           `json:"delegationId"`
	From         DelegationStatus `json:"from,omitempty"`
	To           DelegationStatus `json:"to"`
	Note         string           `json:"note,omitempty"`
	TS           time.Time        `json:"ts"`
}

// DelegationSummary aggregates a task's delegations for quick inspection.
type DelegationSummary struct {
	Total      int  `json:"total"`
	Spawned    int  `json:"spawned"`
	Running    int  `json:"running"`
	Completed  int  `json:"completed"`
	Failed     int  `json:"failed"`
	Verified   int  `json:"verified"`
	Rejected   int  `json:"rejected"`
	Retrying   int  `json:"retrying"`
	Abandoned  int  `json:"abandoned"`
	AllSettled bool `json:"allSettled"`
}

// SummarizeDelegations derives the per-task delegation summary.
func (t *Task) SummarizeDelegations() DelegationSummary {
	sum := DelegationSummary{Total: len(t.Delegations), AllSettled: true}
	for _, d := range t.Delegations {
		switch d.Status {
		case DelegationSpawned:
			sum.Spawned++
		case DelegationRunning:
			sum.Running++
		case DelegationCompleted:
			sum.Completed++
		case DelegationFailed:
			sum.Failed++
		case DelegationVerified:
			sum.Verified++
		case DelegationRejected:
			sum.Rejected++
		case DelegationRetrying:
			sum.Retrying++
		case DelegationAbandoned:
			sum.Abandoned++
		}
		if !d.Status.Settled() {
			sum.AllSettled = false
		}
	}
	return sum
}

// DelegationByID returns the record with the given id, or nil.
func (t *Task) DelegationByID(id string) *Delegation {
	for i := range t.Delegations {
		if t.Delegations[i].DelegationID == id {
			return &t.Delegations[i]
		}
	}
	return nil
}
