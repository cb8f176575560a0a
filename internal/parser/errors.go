package parser

import (
	"fmt"
	"strings"
)

// MalformedInputError is returned by Open when the file cannot be opened, its
// format is unsupported, or its header row is unusable. It is never retried.
type MalformedInputError struct {
	Path    string
	Reason  string
	Columns []string // header columns found, when the header was readable
	Err     error
}

func (e *MalformedInputError) Error() string {
	msg := fmt.Sprintf("malformed input %s: %s", e.Path, e.Reason)
	if len(e.Columns) > 0 {
		msg += fmt.Sprintf(" (columns: %s)", strings.Join(e.Columns, ", "))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedInputError) Unwrap() error   { return e.Err }
func (e *MalformedInputError) Permanent() bool { return true }

// CorruptStreamError ends a stream after too many consecutive malformed rows,
// or when the rest of the file can no longer be split into rows.
type CorruptStreamError struct {
	Path        string
	Consecutive int
	LastOrdinal int64
	Reason      string // set when the stream broke for a reason other than Consecutive
}

func (e *CorruptStreamError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("corrupt stream %s at row %d: %s", e.Path, e.LastOrdinal, e.Reason)
	}
	return fmt.Sprintf("corrupt stream %s: %d consecutive malformed rows ending at row %d",
		e.Path, e.Consecutive, e.LastOrdinal)
}

func (e *CorruptStreamError) Permanent() bool { return true }

// RowFault reports a single structurally malformed row. The stream stays
// usable after a RowFault.
type RowFault struct {
	Ordinal int64
	Reason  string
}

func (e *RowFault) Error() string { return fmt.Sprintf("row %d: %s", e.Ordinal, e.Reason) }
