package postgres

import (
	"context"
	"fmt"
	"strings"

	"skillora/ingest-service/internal/analytics"
)

// rankExpr selects the nearest-rank value for percentile p from a window with
// row number rn over n rows. The arithmetic is numeric so exact ranks stay
// exact.
func rankExpr(p int) string {
	return fmt.Sprintf("max(salary) FILTER (WHERE rn = GREATEST(1, ceil(n * %d / 100.0)))", p)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// where renders the filter as a WHERE clause with positional arguments.
func where(f analytics.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Country != "" {
		add("country = $%d", f.Country)
	}
	if f.Seniority != "" {
		add("seniority = $%d", f.Seniority)
	}
	if f.Currency != "" {
		add("currency = $%d", f.Currency)
	}
	if f.Stack != "" {
		add("stack = $%d", f.Stack)
	}
	if f.Title != "" {
		add(`title ILIKE '%%' || $%d || '%%'`, likeEscaper.Replace(f.Title))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func (s *Store) SalarySummary(ctx context.Context, f analytics.Filter) (analytics.Summary, error) {
	clause, args := where(f)
	query := `
		WITH ranked AS (
		  SELECT salary,
		         row_number() OVER (ORDER BY salary) AS rn,
		         count(*) OVER () AS n
		  FROM salary_records ` + clause + `
		)
		SELECT COALESCE(` + rankExpr(50) + `, 0),
		       COALESCE(` + rankExpr(75) + `, 0),
		       COALESCE(` + rankExpr(90) + `, 0),
		       COALESCE(max(n), 0)
		FROM ranked`

	var sum analytics.Summary
	if err := s.db.QueryRow(ctx, query, args...).Scan(&sum.P50, &sum.P75, &sum.P90, &sum.N); err != nil {
		return analytics.Summary{}, classify("salary summary", err)
	}
	return sum, nil
}

func (s *Store) StackCompare(ctx context.Context, f analytics.Filter) ([]analytics.StackStat, error) {
	clause, args := where(f)
	args = append(args, f.MinN)
	query := fmt.Sprintf(`
		WITH ranked AS (
		  SELECT stack, salary,
		         row_number() OVER (PARTITION BY stack ORDER BY salary) AS rn,
		         count(*) OVER (PARTITION BY stack) AS n
		  FROM salary_records %s
		)
		SELECT stack, %s, max(n)
		FROM ranked
		GROUP BY stack
		HAVING max(n) >= $%d
		ORDER BY 2 DESC, stack ASC`, clause, rankExpr(50), len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("stack compare", err)
	}
	defer rows.Close()

	stats := make([]analytics.StackStat, 0)
	for rows.Next() {
		var st analytics.StackStat
		if err := rows.Scan(&st.Stack, &st.P50, &st.N); err != nil {
			return nil, fmt.Errorf("stack compare scan: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("stack compare", err)
	}
	return stats, nil
}
