// Package memory keeps tasks and records in process memory. It implements the
// same contracts as the PostgreSQL store and backs unit tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"skillora/ingest-service/internal/analytics"
	"skillora/ingest-service/internal/lifecycle"
	"skillora/ingest-service/internal/model"
)

// InsertHook runs before a batch is applied. A non-nil error aborts the batch
// with nothing written.
type InsertHook func(key string, records []model.Record) error

// Store is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	tasks   map[string]*lifecycle.Task
	records map[string]map[int64]model.Record
	hook    InsertHook
}

func New() *Store {
	return &Store{
		tasks:   make(map[string]*lifecycle.Task),
		records: make(map[string]map[int64]model.Record),
	}
}

// SetInsertHook installs fn; nil removes it.
func (s *Store) SetInsertHook(fn InsertHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

// ─── Tasks ───────────────────────────────────────────────────────────────────

func holdsKey(st lifecycle.State) bool {
	return lifecycle.IsActive(st) || st == lifecycle.StateSuccess
}

func (s *Store) CreateTask(_ context.Context, t *lifecycle.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.tasks[t.ID]; dup {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	for _, other := range s.tasks {
		if other.IdempotencyKey == t.IdempotencyKey && holdsKey(other.State) {
			return lifecycle.ErrIdempotencyConflict
		}
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *Store) GetTask(_ context.Context, id string) (*lifecycle.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, lifecycle.ErrNotFound
	}
	return t.Clone(), nil
}

func (s *Store) FindByKey(_ context.Context, key string) (*lifecycle.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *lifecycle.Task
	for _, t := range s.tasks {
		if t.IdempotencyKey != key || !holdsKey(t.State) {
			continue
		}
		if found == nil || t.CreatedAt.After(found.CreatedAt) {
			found = t
		}
	}
	if found == nil {
		return nil, lifecycle.ErrNotFound
	}
	return found.Clone(), nil
}

func (s *Store) UpdateTask(_ context.Context, id string, fn func(*lifecycle.Task) error) (*lifecycle.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[id]
	if !ok {
		return nil, lifecycle.ErrNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.tasks[id] = next
	return next.Clone(), nil
}

func (s *Store) DeleteTerminalBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.tasks {
		if lifecycle.IsTerminal(t.State) && t.UpdatedAt.Before(before) {
			delete(s.tasks, id)
			n++
		}
	}
	return n, nil
}

// ─── Records ─────────────────────────────────────────────────────────────────

// InsertRecords applies the batch all-or-nothing, skipping ordinals already
// stored under key.
func (s *Store) InsertRecords(_ context.Context, key string, records []model.Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hook != nil {
		if err := s.hook(key, records); err != nil {
			return 0, err
		}
	}
	rows := s.records[key]
	if rows == nil {
		rows = make(map[int64]model.Record)
		s.records[key] = rows
	}
	var n int64
	for _, r := range records {
		if _, dup := rows[r.Ordinal]; dup {
			continue
		}
		rows[r.Ordinal] = r
		n++
	}
	return n, nil
}

// Records returns the records stored under key, ordered by ordinal.
func (s *Store) Records(key string) []model.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Record, 0, len(s.records[key]))
	for _, r := range s.records[key] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

// RecordCount returns the number of records across all keys.
func (s *Store) RecordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rows := range s.records {
		n += len(rows)
	}
	return n
}

// ─── Analytics ───────────────────────────────────────────────────────────────

func matches(r model.Record, f analytics.Filter) bool {
	switch {
	case f.Country != "" && r.Country != f.Country,
		f.Seniority != "" && string(r.Seniority) != f.Seniority,
		f.Currency != "" && r.Currency != f.Currency,
		f.Stack != "" && r.Stack != f.Stack,
		f.Title != "" && !strings.Contains(strings.ToLower(r.Title), strings.ToLower(f.Title)):
		return false
	}
	return true
}

// SalarySummary and StackCompare copy the matching salaries under the lock and
// sort outside it, so writers only wait for the scan.
func (s *Store) SalarySummary(_ context.Context, f analytics.Filter) (analytics.Summary, error) {
	var salaries []float64
	s.mu.Lock()
	for _, rows := range s.records {
		for _, r := range rows {
			if matches(r, f) {
				salaries = append(salaries, r.Salary)
			}
		}
	}
	s.mu.Unlock()
	sort.Float64s(salaries)
	return analytics.Summarize(salaries), nil
}

func (s *Store) StackCompare(_ context.Context, f analytics.Filter) ([]analytics.StackStat, error) {
	byStack := make(map[string][]float64)
	s.mu.Lock()
	for _, rows := range s.records {
		for _, r := range rows {
			if matches(r, f) {
				byStack[r.Stack] = append(byStack[r.Stack], r.Salary)
			}
		}
	}
	s.mu.Unlock()
	out := make([]analytics.StackStat, 0, len(byStack))
	for stack, salaries := range byStack {
		sort.Float64s(salaries)
		out = append(out, analytics.StackStat{
			Stack: stack,
			P50:   analytics.NearestRank(salaries, 50),
			N:     int64(len(salaries)),
		})
	}
	return out, nil
}
