package transfer

import (
	"time"

	"github.com/cgg-gothenburg/seq-courier/internal/unit"
)

// Status is the terminal state of one unit in a pass.
type Status int

const (
	StatusDelivered Status = iota
	StatusSkipped
	StatusIncomplete
	StatusUnpaired
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusSkipped:
		return "skipped"
	case StatusIncomplete:
		return "incomplete"
	case StatusUnpaired:
		return "unpaired"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome records what happened to one unit.
type Outcome struct {
	UnitID string
	Scope  unit.Scope
	Status Status

	// Reason explains a skip ("already delivered", "dry run") or names
	// the missing artifact kinds.
	Reason string

	// Stage and Err are set for failures.
	Stage string
	Err   error

	Files []Delivered
}

// Counts tallies outcomes per status.
type Counts struct {
	Delivered  int `json:"delivered"`
	Skipped    int `json:"skipped"`
	Incomplete int `json:"incomplete"`
	Unpaired   int `json:"unpaired"`
	Failed     int `json:"failed"`
}

// Total is the number of units seen.
func (c Counts) Total() int {
	return c.Delivered + c.Skipped + c.Incomplete + c.Unpaired + c.Failed
}

// Result is the outcome of a whole pass.
type Result struct {
	PassID      string
	Destination string
	DryRun      bool
	Started     time.Time
	Finished    time.Time
	Outcomes    []Outcome
}

// Add appends an outcome.
func (r *Result) Add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
}

// Counts tallies the outcomes.
func (r Result) Counts() Counts {
	var c Counts
	for _, o := range r.Outcomes {
		switch o.Status {
		case StatusDelivered:
			c.Delivered++
		case StatusSkipped:
			c.Skipped++
		case StatusIncomplete:
			c.Incomplete++
		case StatusUnpaired:
			c.Unpaired++
		case StatusFailed:
			c.Failed++
		}
	}
	return c
}

// Filter returns the outcomes with the given status.
func (r Result) Filter(s Status) []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Status == s {
			out = append(out, o)
		}
	}
	return out
}

// Failed reports whether any unit failed; the process exits non-zero if so.
func (r Result) Failed() bool {
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			return true
		}
	}
	return false
}

// Bytes sums the sizes of every delivered object.
func (r Result) Bytes() int64 {
	var n int64
	for _, o := range r.Outcomes {
		for _, f := range o.Files {
			n += f.Object.Size
		}
	}
	return n
}

// Duration is the wall time of the pass.
func (r Result) Duration() time.Duration {
	if r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}
