// Package analytics computes salary percentiles over committed records.
//
// Percentiles use the nearest-rank method: for p in (0,100] over n sorted
// values, rank = ceil(p/100 * n) and the result is the value at that 1-based
// rank. No interpolation is done. With n = 0 every percentile is 0.
//
// Reads see committed records only (PostgreSQL read committed). A query that
// runs during an ingestion sees every batch committed before it started and
// none of the in-flight one.
package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"skillora/ingest-service/internal/normalize"
)

// Filter narrows the record set. Empty fields match everything.
type Filter struct {
	Country   string
	Seniority string
	Currency  string
	Title     string // case-insensitive substring
	Stack     string
	MinN      int64 // StackCompare only: drop stacks with fewer records
}

// Normalized applies the same casing rules the normalizer applies to records.
func (f Filter) Normalized() Filter {
	out := f
	out.Country = strings.TrimSpace(f.Country)
	if n := len(out.Country); n == 2 || n == 3 {
		out.Country = strings.ToUpper(out.Country)
	}
	if s := strings.TrimSpace(f.Seniority); s != "" {
		out.Seniority = string(normalize.ParseSeniority(s))
	}
	out.Currency = strings.ToUpper(strings.TrimSpace(f.Currency))
	out.Title = strings.TrimSpace(f.Title)
	out.Stack = strings.ToLower(strings.Join(strings.Fields(f.Stack), " "))
	if out.MinN < 1 {
		out.MinN = 1
	}
	return out
}

// Summary is the salary distribution of a filtered record set.
type Summary struct {
	P50 float64 `json:"p50"`
	P75 float64 `json:"p75"`
	P90 float64 `json:"p90"`
	N   int64   `json:"n"`
}

// StackStat is the median salary of one stack.
type StackStat struct {
	Stack string  `json:"stack"`
	P50   float64 `json:"p50"`
	N     int64   `json:"n"`
}

// Source computes percentiles over committed records. Implementations must
// use nearest-rank percentiles.
type Source interface {
	SalarySummary(ctx context.Context, f Filter) (Summary, error)
	StackCompare(ctx context.Context, f Filter) ([]StackStat, error)
}

// Aggregator is the read-only analytics facade.
type Aggregator struct {
	src Source
}

func NewAggregator(src Source) *Aggregator { return &Aggregator{src: src} }

func (a *Aggregator) SalarySummary(ctx context.Context, f Filter) (Summary, error) {
	s, err := a.src.SalarySummary(ctx, f.Normalized())
	if err != nil {
		return Summary{}, fmt.Errorf("salary summary: %w", err)
	}
	return s, nil
}

// StackCompare returns per-stack medians ordered by p50 descending, then by
// stack name.
func (a *Aggregator) StackCompare(ctx context.Context, f Filter) ([]StackStat, error) {
	f = f.Normalized()
	stats, err := a.src.StackCompare(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("stack compare: %w", err)
	}
	out := stats[:0]
	for _, s := range stats {
		if s.N >= f.MinN {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].P50 != out[j].P50 {
			return out[i].P50 > out[j].P50
		}
		return out[i].Stack < out[j].Stack
	})
	return out, nil
}

// NearestRank returns the p-th percentile of sorted (ascending).
func NearestRank(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := int(math.Ceil(p * float64(n) / 100))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}

// Summarize builds a Summary from sorted salaries.
func Summarize(sorted []float64) Summary {
	return Summary{
		P50: NearestRank(sorted, 50),
		P75: NearestRank(sorted, 75),
		P90: NearestRank(sorted, 90),
		N:   int64(len(sorted)),
	}
}
