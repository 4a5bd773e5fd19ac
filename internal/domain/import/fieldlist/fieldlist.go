// Package fieldlist projects raw export rows through a FieldSchema into typed records.
package fieldlist

import (
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/normalizer"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/schema"
)

var (
	ErrSchemaMismatch = errors.New("row does not match schema")
	ErrAmountMissing  = errors.New("row has no amount")
)

// ParsedRecord is one export row, typed.
type ParsedRecord struct {
	EntryDate             time.Time
	EffectiveDate         *time.Time
	Description           string
	Amount                int64 // minor units, signed
	RunningTotal          *int64
	RunningTotalExclusive bool // RunningTotal is the balance before this row
	UniqueID              string
	RawFields             []string
	Line                  string
}

// HasRunningTotal reports whether the row declares a bank balance.
func (r *ParsedRecord) HasRunningTotal() bool {
	return r.RunningTotal != nil
}

// RowError ties a parse failure to a row. ParseLines numbers rows 1-based
// within the lines it was given; callers parsing part of a snapshot rebase Row
// onto the snapshot.
type RowError struct {
	Row  int
	Line string
	Err  error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d %q: %v", e.Row, e.Line, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

// Parser converts rows for one schema. Construct with NewParser.
type Parser struct {
	schema  schema.FieldSchema
	layout  string
	amounts normalizer.AmountConfig
	loc     *time.Location
}

// NewParser validates s once and prepares its date layout.
func NewParser(s schema.FieldSchema) (*Parser, error) {
	s = s.WithDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	layout, err := normalizer.ConvertDateFormat(s.DateFormat)
	if err != nil {
		return nil, err
	}
	return &Parser{
		schema:  s,
		layout:  layout,
		amounts: normalizer.AmountConfig{DecimalComma: s.DecimalComma},
		loc:     time.UTC,
	}, nil
}

// Schema returns the schema with defaults applied.
func (p *Parser) Schema() schema.FieldSchema {
	return p.schema
}

// Split breaks one line into raw fields using the schema's delimiter and CSV quoting.
func (p *Parser) Split(line string) ([]string, error) {
	reader := csv.NewReader(strings.NewReader(line))
	reader.Comma = p.schema.DelimiterRune()
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	fields, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	return fields, nil
}

// ParseLine splits and parses one line.
func (p *Parser) ParseLine(line string) (*ParsedRecord, error) {
	fields, err := p.Split(line)
	if err != nil {
		return nil, err
	}
	rec, err := p.Parse(fields)
	if err != nil {
		return nil, err
	}
	rec.Line = line
	return rec, nil
}

// ParseLines parses lines in order. The first failure is returned as a *RowError.
func (p *Parser) ParseLines(lines []string) ([]*ParsedRecord, error) {
	records := make([]*ParsedRecord, 0, len(lines))
	for i, line := range lines {
		rec, err := p.ParseLine(line)
		if err != nil {
			return nil, &RowError{Row: i + 1, Line: line, Err: err}
		}
		records = append(records, rec)
	}
	return records, nil
}

// Parse projects raw fields through the schema.
func (p *Parser) Parse(raw []string) (*ParsedRecord, error) {
	if len(raw) != len(p.schema.Fields) {
		return nil, fmt.Errorf("%w: got %d fields, schema has %d", ErrSchemaMismatch, len(raw), len(p.schema.Fields))
	}

	rec := &ParsedRecord{RawFields: append([]string(nil), raw...)}
	var (
		debit, credit               int64
		hasAmount, hasDebit, hasCrd bool
	)

	for i, tag := range p.schema.Fields {
		value := raw[i]
		var err error

		switch tag {
		case schema.Ignore:
		case schema.EntryDate:
			if strings.TrimSpace(value) == "" {
				return nil, fmt.Errorf("%w: %s is empty", schema.ErrMissingRequiredField, tag)
			}
			rec.EntryDate, err = normalizer.ParseDate(value, p.layout, p.loc)
		case schema.EffectiveDate:
			if strings.TrimSpace(value) == "" {
				continue
			}
			var d time.Time
			d, err = normalizer.ParseDate(value, p.layout, p.loc)
			rec.EffectiveDate = &d
		case schema.Description:
			rec.Description = value
		case schema.Amount:
			rec.Amount, err = normalizer.ExtractCents(value, p.amounts)
			hasAmount = true
		case schema.Debit:
			debit, hasDebit, err = normalizer.DebitCents(value, p.amounts)
		case schema.Credit:
			credit, hasCrd, err = normalizer.CreditCents(value, p.amounts)
		case schema.RunningTotalInclusive, schema.RunningTotalExclusive:
			var total int64
			total, err = normalizer.ExtractCents(value, p.amounts)
			rec.RunningTotal = &total
			rec.RunningTotalExclusive = tag == schema.RunningTotalExclusive
		case schema.UniqueID:
			if strings.TrimSpace(value) == "" {
				return nil, fmt.Errorf("%w: %s is empty", schema.ErrMissingRequiredField, tag)
			}
			rec.UniqueID = value
		}

		if err != nil {
			return nil, fmt.Errorf("column %d (%s): %w", i+1, tag, err)
		}
	}

	if !hasAmount {
		switch {
		case hasDebit && hasCrd:
			return nil, fmt.Errorf("%w: both debit and credit are set", normalizer.ErrInvalidAmount)
		case hasDebit:
			rec.Amount = debit
		case hasCrd:
			rec.Amount = credit
		default:
			return nil, ErrAmountMissing
		}
	}

	return rec, nil
}
