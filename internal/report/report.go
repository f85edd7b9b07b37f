// Package report accumulates per-consumer outcomes and renders the
// end-of-run summary that CI gates on.
package report

import (
	"fmt"
	"io"
)

// Status is a consumer's terminal state.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Outcome records one consumer's result. Exactly one Outcome exists per
// selected consumer, appended in processing order and immutable afterward.
type Outcome struct {
	Consumer string `json:"consumer"`
	Status   Status `json:"status"`

	// Reason explains Failed and Skipped outcomes (phase plus captured
	// collaborator output where useful).
	Reason string `json:"reason,omitempty"`
}

// Ok reports whether the outcome counts as a pass for exit-code purposes.
// Skips are caused by errors (missing clone, missing manifest), so only
// Success passes.
func (o Outcome) Ok() bool {
	return o.Status == StatusSuccess
}

// Aggregator collects outcomes in processing order.
type Aggregator struct {
	outcomes []Outcome
}

// Record appends one outcome. Every selected consumer contributes exactly
// one; the pipeline enforces that, the aggregator just never drops any.
func (a *Aggregator) Record(o Outcome) {
	a.outcomes = append(a.outcomes, o)
}

// Outcomes returns the recorded outcomes in processing order.
func (a *Aggregator) Outcomes() []Outcome {
	return a.outcomes
}

// Ok reports whether every recorded outcome passed.
func (a *Aggregator) Ok() bool {
	for _, o := range a.outcomes {
		if !o.Ok() {
			return false
		}
	}
	return true
}

// Summary partitions outcomes by status for reporting.
type Summary struct {
	Succeeded []string  `json:"succeeded"`
	Failed    []string  `json:"failed"`
	Skipped   []string  `json:"skipped"`
	Outcomes  []Outcome `json:"outcomes"`
	Ok        bool      `json:"ok"`
}

// Summarize builds a Summary from outcomes, grouped by status but keeping
// processing order within each group.
func Summarize(outcomes []Outcome) Summary {
	s := Summary{Outcomes: outcomes, Ok: true}
	for _, o := range outcomes {
		switch o.Status {
		case StatusSuccess:
			s.Succeeded = append(s.Succeeded, o.Consumer)
		case StatusFailed:
			s.Failed = append(s.Failed, o.Consumer)
		case StatusSkipped:
			s.Skipped = append(s.Skipped, o.Consumer)
		}
		if !o.Ok() {
			s.Ok = false
		}
	}
	return s
}

// Render writes the human-readable summary.
func Render(w io.Writer, s Summary) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Downstream summary: %d passed, %d failed, %d skipped\n",
		len(s.Succeeded), len(s.Failed), len(s.Skipped))

	for _, name := range s.Succeeded {
		fmt.Fprintf(w, "  ✓ %s\n", name)
	}
	for _, o := range s.Outcomes {
		if o.Ok() {
			continue
		}
		marker := "✗"
		if o.Status == StatusSkipped {
			marker = "-"
		}
		fmt.Fprintf(w, "  %s %s (%s)\n", marker, o.Consumer, o.Status)
		if o.Reason != "" {
			fmt.Fprintf(w, "      %s\n", o.Reason)
		}
	}

	if s.Ok {
		fmt.Fprintln(w, "✓ All consumers passed")
	}
}
