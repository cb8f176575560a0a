// Package model defines shared data structures for the ingestion service.
package model

import (
	"fmt"
	"strings"
)

// FileReference points at an uploaded file on local storage. It is immutable
// once created; retention is handled outside this service.
type FileReference struct {
	ID          string `json:"id" validate:"required"`
	Path        string `json:"path" validate:"required"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType,omitempty"`
}

// Field is one of the six semantic keys a source column can be mapped to.
type Field string

const (
	FieldTitle     Field = "title"
	FieldSalary    Field = "salary"
	FieldCurrency  Field = "currency"
	FieldCountry   Field = "country"
	FieldSeniority Field = "seniority"
	FieldStack     Field = "stack"
)

// CanonicalFields lists every Field in canonical order.
var CanonicalFields = []Field{
	FieldTitle, FieldSalary, FieldCurrency, FieldCountry, FieldSeniority, FieldStack,
}

// ColumnMap maps each semantic field to the name of a source column.
// All six entries are required.
type ColumnMap struct {
	Title     string `json:"title" validate:"required"`
	Salary    string `json:"salary" validate:"required"`
	Currency  string `json:"currency" validate:"required"`
	Country   string `json:"country" validate:"required"`
	Seniority string `json:"seniority" validate:"required"`
	Stack     string `json:"stack" validate:"required"`
}

// Source returns the source column mapped to f.
func (m ColumnMap) Source(f Field) string {
	switch f {
	case FieldTitle:
		return m.Title
	case FieldSalary:
		return m.Salary
	case FieldCurrency:
		return m.Currency
	case FieldCountry:
		return m.Country
	case FieldSeniority:
		return m.Seniority
	case FieldStack:
		return m.Stack
	}
	return ""
}

// Canonical renders the map as a stable string, used for idempotency keys.
func (m ColumnMap) Canonical() string {
	parts := make([]string, 0, len(CanonicalFields))
	for _, f := range CanonicalFields {
		parts = append(parts, fmt.Sprintf("%s=%s", f, strings.TrimSpace(m.Source(f))))
	}
	return strings.Join(parts, ";")
}

// Seniority is the normalized seniority band of a record.
type Seniority string

const (
	SeniorityJunior  Seniority = "junior"
	SeniorityMid     Seniority = "mid"
	SenioritySenior  Seniority = "senior"
	SeniorityLead    Seniority = "lead"
	SeniorityUnknown Seniority = "unknown"
)

// Record is one normalized salary observation. Ordinal is the 1-based data
// row number in the source file and, together with the idempotency key of the
// owning ingestion, identifies the record in storage.
type Record struct {
	Ordinal   int64     `json:"row"`
	Title     string    `json:"title"`
	Salary    float64   `json:"salary"`
	Currency  string    `json:"currency"`
	Country   string    `json:"country"`
	Seniority Seniority `json:"seniority"`
	Stack     string    `json:"stack"`
}

// RawRow is one data row as read from a file: positional values plus a
// shared header index.
type RawRow struct {
	Ordinal int64
	Values  []string
	index   map[string]int
}

// NewRawRow builds a RawRow. index maps header names to positions and is
// shared between all rows of a stream.
func NewRawRow(ordinal int64, index map[string]int, values []string) RawRow {
	return RawRow{Ordinal: ordinal, Values: values, index: index}
}

// Get returns the value of column. ok is false when the header has no such
// column. Rows shorter than the header yield "" for trailing columns.
func (r RawRow) Get(column string) (value string, ok bool) {
	i, ok := r.index[column]
	if !ok {
		return "", false
	}
	if i >= len(r.Values) {
		return "", true
	}
	return r.Values[i], true
}
