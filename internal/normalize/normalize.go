// Package normalize turns raw rows into canonical salary records.
//
// Normalize is a pure function: the same row and column map always produce the
// same record or the same RowError. Retried ingestions rely on this to land on
// the same (idempotency key, row ordinal) pairs.
package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"skillora/ingest-service/internal/model"
)

// DefaultCurrency is applied when the currency cell is empty.
const DefaultCurrency = "USD"

// Row-level rejection reasons. The rendered reason is "<kind>:<field>".
const (
	ReasonMissingField    = "missing_field"
	ReasonInvalidNumber   = "invalid_number"
	ReasonNonPositive     = "non_positive"
	ReasonInvalidCurrency = "invalid_currency"
)

// RowError describes why a single row was rejected.
type RowError struct {
	Ordinal int64
	Field   model.Field
	Kind    string
}

// Reason renders the rejection as "<kind>:<field>", e.g. "missing_field:salary".
func (e *RowError) Reason() string { return fmt.Sprintf("%s:%s", e.Kind, e.Field) }

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %s", e.Ordinal, e.Reason())
}

// Normalize maps one raw row into a Record using m. A nil *RowError means the
// record is valid: salary > 0, title and currency non-empty.
func Normalize(row model.RawRow, m model.ColumnMap) (model.Record, *RowError) {
	reject := func(f model.Field, kind string) (model.Record, *RowError) {
		return model.Record{}, &RowError{Ordinal: row.Ordinal, Field: f, Kind: kind}
	}

	rawSalary, ok := row.Get(m.Salary)
	rawSalary = strings.TrimSpace(rawSalary)
	if !ok || rawSalary == "" {
		return reject(model.FieldSalary, ReasonMissingField)
	}
	salary, err := ParseSalary(rawSalary)
	if err != nil {
		return reject(model.FieldSalary, ReasonInvalidNumber)
	}
	if salary <= 0 {
		return reject(model.FieldSalary, ReasonNonPositive)
	}

	title, ok := row.Get(m.Title)
	title = collapseSpaces(title)
	if !ok || title == "" {
		return reject(model.FieldTitle, ReasonMissingField)
	}

	rawCurrency, _ := row.Get(m.Currency)
	currency, ok := NormalizeCurrency(rawCurrency)
	if !ok {
		return reject(model.FieldCurrency, ReasonInvalidCurrency)
	}

	country, _ := row.Get(m.Country)
	seniority, _ := row.Get(m.Seniority)
	stack, _ := row.Get(m.Stack)

	return model.Record{
		Ordinal:   row.Ordinal,
		Title:     title,
		Salary:    salary,
		Currency:  currency,
		Country:   normalizeCountry(country),
		Seniority: ParseSeniority(seniority),
		Stack:     strings.ToLower(collapseSpaces(stack)),
	}, nil
}

// ─── Salary ──────────────────────────────────────────────────────────────────

var errNotNumeric = errors.New("not a number")

// ParseSalary parses a human-formatted amount. Currency symbols and codes
// around the number are ignored, as are spaces and apostrophes used as digit
// group separators. Separator rules:
//
//   - both '.' and ',' present: the last one is the decimal mark ("1,234.50", "1.234,50")
//   - several of the same mark: thousands separators ("1,234,567", "1.234.567")
//   - a single ',' followed by exactly three digits: thousands ("120,000")
//   - any other single mark: decimal ("1234,5", "15.5")
//
// The sign is preserved so callers can reject non-positive amounts.
func ParseSalary(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	start := strings.IndexFunc(s, isDigit)
	if start < 0 {
		return 0, errNotNumeric
	}
	end := strings.LastIndexFunc(s, isDigit) + 1
	prefix, body := s[:start], s[start:end]
	negative := strings.ContainsAny(prefix, "-−")

	var b strings.Builder
	for _, r := range body {
		switch {
		case isDigit(r), r == '.', r == ',':
			b.WriteRune(r)
		case unicode.IsSpace(r), r == '\'', r == '_':
		default:
			return 0, errNotNumeric
		}
	}

	num := resolveSeparators(b.String())
	v, err := strconv.ParseFloat(num, 64)
	if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, errNotNumeric
	}
	if negative {
		v = -v
	}
	return v, nil
}

func resolveSeparators(s string) string {
	dots, commas := strings.Count(s, "."), strings.Count(s, ",")
	switch {
	case dots > 0 && commas > 0:
		if strings.LastIndex(s, ".") > strings.LastIndex(s, ",") {
			return strings.ReplaceAll(s, ",", "")
		}
		s = strings.ReplaceAll(s, ".", "")
		return strings.Replace(s, ",", ".", 1)
	case commas > 1:
		return strings.ReplaceAll(s, ",", "")
	case commas == 1:
		if len(s)-strings.Index(s, ",")-1 == 3 {
			return strings.Replace(s, ",", "", 1)
		}
		return strings.Replace(s, ",", ".", 1)
	case dots > 1:
		return strings.ReplaceAll(s, ".", "")
	}
	return s
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

// ─── Currency ────────────────────────────────────────────────────────────────

var currencySymbols = map[string]string{
	"$":   "USD",
	"US$": "USD",
	"€":   "EUR",
	"£":   "GBP",
	"R$":  "BRL",
	"¥":   "JPY",
	"₹":   "INR",
}

// NormalizeCurrency returns an upper-case three-letter code. Empty input maps
// to DefaultCurrency; a few common symbols are translated.
func NormalizeCurrency(raw string) (string, bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return DefaultCurrency, true
	}
	if code, ok := currencySymbols[s]; ok {
		return code, true
	}
	if len(s) != 3 {
		return "", false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return "", false
		}
	}
	return s, true
}

// ─── Seniority ───────────────────────────────────────────────────────────────

var senioritySynonyms = map[string]model.Seniority{
	"junior":      model.SeniorityJunior,
	"jr":          model.SeniorityJunior,
	"jnr":         model.SeniorityJunior,
	"entry":       model.SeniorityJunior,
	"entry level": model.SeniorityJunior,
	"associate":   model.SeniorityJunior,
	"intern":      model.SeniorityJunior,
	"trainee":     model.SeniorityJunior,
	"graduate":    model.SeniorityJunior,
	"i":           model.SeniorityJunior,

	"mid":          model.SeniorityMid,
	"middle":       model.SeniorityMid,
	"mid level":    model.SeniorityMid,
	"intermediate": model.SeniorityMid,
	"pleno":        model.SeniorityMid,
	"regular":      model.SeniorityMid,
	"ii":           model.SeniorityMid,

	"senior":       model.SenioritySenior,
	"sr":           model.SenioritySenior,
	"snr":          model.SenioritySenior,
	"senior level": model.SenioritySenior,
	"iii":          model.SenioritySenior,

	"lead":       model.SeniorityLead,
	"tech lead":  model.SeniorityLead,
	"team lead":  model.SeniorityLead,
	"principal":  model.SeniorityLead,
	"staff":      model.SeniorityLead,
	"head":       model.SeniorityLead,
	"architect":  model.SeniorityLead,
	"manager":    model.SeniorityLead,
}

// ParseSeniority matches free text against the synonym table. The whole
// phrase is tried first, then each word from left to right. Anything else is
// SeniorityUnknown.
func ParseSeniority(raw string) model.Seniority {
	s := strings.ToLower(raw)
	s = strings.NewReplacer(".", " ", "-", " ", "_", " ", "/", " ").Replace(s)
	s = collapseSpaces(s)
	if s == "" {
		return model.SeniorityUnknown
	}
	if v, ok := senioritySynonyms[s]; ok {
		return v
	}
	for _, word := range strings.Fields(s) {
		if v, ok := senioritySynonyms[word]; ok {
			return v
		}
	}
	return model.SeniorityUnknown
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func collapseSpaces(s string) string { return strings.Join(strings.Fields(s), " ") }

// normalizeCountry upper-cases short letter codes ("br" -> "BR") and leaves
// free text untouched apart from trimming.
func normalizeCountry(raw string) string {
	s := collapseSpaces(raw)
	if n := len(s); n == 2 || n == 3 {
		for _, r := range s {
			if !unicode.IsLetter(r) || r > unicode.MaxASCII {
				return s
			}
		}
		return strings.ToUpper(s)
	}
	return s
}
