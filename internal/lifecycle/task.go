package lifecycle

import (
	"math"
	"time"

	"skillora/ingest-service/internal/model"
)

// Task is one ingestion request tracked through its lifecycle.
type Task struct {
	ID             string
	IdempotencyKey string
	Requester      string
	File           model.FileReference
	Columns        model.ColumnMap
	State          State
	Attempt        int
	MaxAttempts    int
	Progress       Progress
	Errors         ErrorSummary
	Cause          string
	Result         *Result
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Progress = t.Progress.clone()
	c.Errors.Rows = append([]RowIssue(nil), t.Errors.Rows...)
	if t.Result != nil {
		r := *t.Result
		r.Sample = append([]model.Record(nil), t.Result.Sample...)
		c.Result = &r
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.FinishedAt != nil {
		v := *t.FinishedAt
		c.FinishedAt = &v
	}
	return &c
}

// Progress counts rows of the current attempt. Processed rows are durably
// committed; rejected rows were dropped by the parser or the normalizer. Total
// is unknown (nil) until the input has been read to the end.
type Progress struct {
	Processed int64   `json:"processed"`
	Rejected  int64   `json:"rejected"`
	Total     *int64  `json:"total,omitempty"`
	Fraction  float64 `json:"fraction,omitempty"`
}

func (p Progress) clone() Progress {
	if p.Total != nil {
		v := *p.Total
		p.Total = &v
	}
	return p
}

// Percent is the completion percentage in [0,100]. While Total is unknown it
// falls back to the share of input bytes consumed.
func (p Progress) Percent() int {
	var pct float64
	switch {
	case p.Total != nil && *p.Total <= 0:
		pct = 100
	case p.Total != nil:
		pct = float64(p.Processed+p.Rejected) / float64(*p.Total) * 100
	default:
		pct = p.Fraction * 100
	}
	if math.IsNaN(pct) || pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return int(math.Round(pct))
}

// RowIssue is one rejected row.
type RowIssue struct {
	Row    int64  `json:"row"`
	Reason string `json:"reason"`
}

// ErrorSummary keeps the first rejected rows of an attempt and counts the
// rest.
type ErrorSummary struct {
	Rows    []RowIssue `json:"rows,omitempty"`
	Omitted int64      `json:"omitted,omitempty"`
}

// Add appends issues while fewer than limit are held.
func (s *ErrorSummary) Add(issues []RowIssue, limit int) {
	for _, is := range issues {
		if len(s.Rows) < limit {
			s.Rows = append(s.Rows, is)
			continue
		}
		s.Omitted++
	}
}

// Result is attached to a task that reached SUCCESS.
type Result struct {
	FileID   string         `json:"file_id"`
	Inserted int64          `json:"inserted"`
	Total    int64          `json:"total"`
	Rejected int64          `json:"rejected"`
	Sample   []model.Record `json:"sample"`
	Note     string         `json:"note,omitempty"`
}

// Lease is a worker's claim on one attempt of a task.
type Lease struct {
	TaskID   string
	Attempt  int
	Token    string
	Deadline time.Time
}

// OutcomeKind is how an attempt ended.
type OutcomeKind int

const (
	OutcomeSucceeded OutcomeKind = iota
	OutcomeFailed
	OutcomeCancelled
	// OutcomeInterrupted means the worker stopped before the input was fully
	// processed, e.g. on shutdown. The attempt is not charged.
	OutcomeInterrupted
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeInterrupted:
		return "interrupted"
	}
	return "unknown"
}

// Outcome is what a worker hands back to Complete.
type Outcome struct {
	Kind   OutcomeKind
	Err    error
	Result *Result
}

// ProgressUpdate is reported after each committed batch. Counters are
// cumulative for the attempt; Issues holds only rows rejected since the
// previous update.
type ProgressUpdate struct {
	Processed int64
	Rejected  int64
	Total     *int64
	Fraction  float64
	Issues    []RowIssue
}
