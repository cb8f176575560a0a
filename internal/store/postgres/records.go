package postgres

import (
	"context"

	"skillora/ingest-service/internal/model"
)

// InsertRecords writes the batch in one statement. Rows whose
// (idempotency_key, row_ordinal) already exist are skipped, so replaying a
// batch after a crash inserts nothing twice. It returns the number of new rows.
func (s *Store) InsertRecords(ctx context.Context, key string, records []model.Record) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	n := len(records)
	var (
		ordinals   = make([]int64, n)
		titles     = make([]string, n)
		salaries   = make([]float64, n)
		currencies = make([]string, n)
		countries  = make([]string, n)
		seniority  = make([]string, n)
		stacks     = make([]string, n)
	)
	for i, r := range records {
		ordinals[i] = r.Ordinal
		titles[i] = r.Title
		salaries[i] = r.Salary
		currencies[i] = r.Currency
		countries[i] = r.Country
		seniority[i] = string(r.Seniority)
		stacks[i] = r.Stack
	}

	tag, err := s.db.Exec(ctx,
		`INSERT INTO salary_records
		   (idempotency_key, row_ordinal, title, salary, currency, country, seniority, stack)
		 SELECT $1, r.ordinal, r.title, r.salary, r.currency, r.country, r.seniority, r.stack
		 FROM unnest($2::bigint[], $3::text[], $4::float8[], $5::text[], $6::text[], $7::text[], $8::text[])
		   AS r(ordinal, title, salary, currency, country, seniority, stack)
		 ON CONFLICT (idempotency_key, row_ordinal) DO NOTHING`,
		key, ordinals, titles, salaries, currencies, countries, seniority, stacks,
	)
	if err != nil {
		return 0, classify("insert records", err)
	}
	return tag.RowsAffected(), nil
}

// CountRecords returns how many records are stored under key.
func (s *Store) CountRecords(ctx context.Context, key string) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM salary_records WHERE idempotency_key = $1`, key,
	).Scan(&n); err != nil {
		return 0, classify("count records", err)
	}
	return n, nil
}
