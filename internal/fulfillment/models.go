package fulfillment

import "time"

// RefulfillInput asks for the downstream steps of one order to run again.
type RefulfillInput struct {
	OrderID   string `json:"orderId"`
	Recompile bool   `json:"recompile"`
	Relabel   bool   `json:"relabel"`
	Reason    string `json:"reason,omitempty"`
}

// StepSummary is the outcome of one step. Failures are carried as text so a
// partial result still reaches the operator.
type StepSummary struct {
	OK     bool     `json:"ok"`
	Detail string   `json:"detail,omitempty"`
	Keys   []string `json:"keys,omitempty"`
	Error  string   `json:"error,omitempty"`
}

type RefulfillResult struct {
	OrderID     string       `json:"orderId"`
	WorkflowID  string       `json:"workflowId,omitempty"`
	RunID       string       `json:"runId,omitempty"`
	Compile     *StepSummary `json:"compile,omitempty"`
	Label       *StepSummary `json:"label,omitempty"`
	StartedAt   time.Time    `json:"startedAt"`
	CompletedAt time.Time    `json:"completedAt"`
}

// Failed reports whether any requested step failed.
func (r RefulfillResult) Failed() bool {
	return (r.Compile != nil && !r.Compile.OK) || (r.Label != nil && !r.Label.OK)
}
