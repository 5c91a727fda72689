// Package statement turns raw carrier statement exports into canonical rows
// the matching engine consumes.
package statement

import (
	"bufio"
	"crypto/sha256"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// Row is one accepted statement line in canonical form. Amounts are cents.
type Row struct {
	Index           int
	CustomerName    string
	PolicyNumber    string
	EffectiveDate   time.Time
	AmountCents     int64
	PremiumCents    int64
	CarrierName     string
	TransactionType string
	PolicyType      string
	SourceHash      string
	Raw             map[string]string
}

// RowParseError records a malformed row. These are skipped and reported,
// never fatal to the batch.
type RowParseError struct {
	Line int
	Err  error
}

func (e RowParseError) Error() string { return fmt.Sprintf("row %d: %v", e.Line, e.Err) }

func (e RowParseError) Unwrap() error { return e.Err }

// ParseResult is the normalizer output.
type ParseResult struct {
	Rows         []Row
	Skipped      []RowParseError
	FilteredRows int // totals/subtotal/blank rows dropped silently
	Duplicates   int // identical rows within the same file
}

// Normalizer reads a tabular statement into canonical rows.
type Normalizer struct {
	Mapping    ColumnMapping
	AgencyID   string
	SourceName string
	HasHeader  bool // false only when every mapped column is positional
}

var totalsMarkers = []string{"grand total", "sub-total", "subtotal", "totals", "total", "sum"}

// Parse reads CSV data, resolves the column mapping once, and emits
// deduplicated canonical rows. Totals and blank rows are filtered, malformed
// rows are collected as Skipped.
func (n *Normalizer) Parse(r io.Reader) (ParseResult, error) {
	res := ParseResult{}
	csvr := csv.NewReader(bufio.NewReader(r))
	csvr.TrimLeadingSpace = true
	csvr.FieldsPerRecord = -1

	var header []string
	if n.HasHeader {
		rec, err := csvr.Read()
		if err == io.EOF {
			return res, fmt.Errorf("statement: empty file")
		}
		if err != nil {
			return res, fmt.Errorf("statement: read header: %w", err)
		}
		header = rec
	}
	cols, err := n.Mapping.Resolve(header)
	if err != nil {
		return res, err
	}

	seen := make(map[string]bool)
	line := 0
	if n.HasHeader {
		line = 1
	}
	for {
		line++
		rec, err := csvr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			res.Skipped = append(res.Skipped, RowParseError{Line: line, Err: err})
			continue
		}

		customer := strings.TrimSpace(field(rec, cols.customer))
		policy := strings.TrimSpace(field(rec, cols.policy))
		if customer == "" && policy == "" {
			res.FilteredRows++
			continue
		}
		if isTotalsRow(customer) {
			res.FilteredRows++
			continue
		}

		date, err := parseDate(field(rec, cols.date))
		if err != nil {
			res.Skipped = append(res.Skipped, RowParseError{Line: line, Err: fmt.Errorf("effective date: %w", err)})
			continue
		}
		amount, err := parseAmountCents(field(rec, cols.amount))
		if err != nil {
			res.Skipped = append(res.Skipped, RowParseError{Line: line, Err: fmt.Errorf("amount: %w", err)})
			continue
		}

		row := Row{
			Index:           len(res.Rows),
			CustomerName:    customer,
			PolicyNumber:    policy,
			EffectiveDate:   date,
			AmountCents:     amount,
			CarrierName:     strings.TrimSpace(field(rec, cols.carrier)),
			TransactionType: normalizeTransType(field(rec, cols.transType)),
			PolicyType:      strings.TrimSpace(field(rec, cols.policyType)),
			Raw:             rawFields(header, rec),
		}
		if v := strings.TrimSpace(field(rec, cols.premium)); v != "" {
			premium, err := parseAmountCents(v)
			if err != nil {
				res.Skipped = append(res.Skipped, RowParseError{Line: line, Err: fmt.Errorf("premium: %w", err)})
				continue
			}
			row.PremiumCents = premium
		}
		row.SourceHash = hashRow(n.AgencyID, n.SourceName, row)

		if seen[row.SourceHash] {
			res.Duplicates++
			continue
		}
		seen[row.SourceHash] = true
		res.Rows = append(res.Rows, row)
	}
	return res, nil
}

func field(rec []string, idx int) string {
	if idx < 0 || idx >= len(rec) {
		return ""
	}
	return rec[idx]
}

func isTotalsRow(customer string) bool {
	c := strings.ToLower(customer)
	for _, marker := range totalsMarkers {
		if strings.Contains(c, marker) {
			return true
		}
	}
	return false
}

func normalizeTransType(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return "NEW"
	}
	return s
}

var dateLayouts = []string{
	"2006-01-02",
	"1/2/2006",
	"2006/01/02",
	"1-2-2006",
	"Jan 2, 2006",
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// parseAmountCents converts "$1,234.56" or "(250.00)" to cents.
func parseAmountCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = s[1 : len(s)-1]
	}
	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	cents := int64(math.Round(f * 100))
	if neg {
		cents = -cents
	}
	return cents, nil
}

func rawFields(header, rec []string) map[string]string {
	out := make(map[string]string, len(rec))
	for i, v := range rec {
		key := strconv.Itoa(i + 1)
		if i < len(header) && strings.TrimSpace(header[i]) != "" {
			key = strings.TrimSpace(header[i])
		}
		out[key] = v
	}
	return out
}

func hashRow(agencyID, source string, r Row) string {
	joined := strings.Join([]string{
		agencyID, source, strings.ToLower(r.CustomerName), r.PolicyNumber,
		r.EffectiveDate.Format(time.DateOnly), strconv.FormatInt(r.AmountCents, 10),
	}, "|")
	sum := sha256.Sum256([]byte(joined))
	return fmt.Sprintf("%x", sum[:])
}
