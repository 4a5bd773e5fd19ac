// Package sniffer guesses the layout of an unfamiliar export so a source can be
// registered for it. It finds the delimiter and header row, then maps header
// names onto field tags.
package sniffer

import (
	"bytes"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"unicode"

	"golang.org/x/crypto/blake2b"

	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/normalizer"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/schema"
)

// Common bank statement header keywords (multi-language)
var headerKeywords = []string{
	// Portuguese
	"data mov", "data valor", "descrição", "descricao", "débito", "debito", "crédito", "credito", "saldo",
	// English
	"date", "description", "amount", "debit", "credit", "balance",
	// Spanish
	"fecha", "descripción", "descripcion", "importe", "cargo", "abono",
}

const maxSampleRows = 5

// FileConfig holds the detected layout of an export.
type FileConfig struct {
	Delimiter   rune       // ';', ',', '\t' or '|'
	SkipLines   int        // metadata lines before the header row
	Headers     []string   // trimmed header names
	Fingerprint string     // blake2b of the normalized headers
	SampleRows  [][]string // first data rows, in file order
}

// Suggestion is a proposed source for an export plus the reasoning behind it.
type Suggestion struct {
	Schema  schema.FieldSchema `json:"schema"`
	Columns []string           `json:"columns"`
	Config  *FileConfig        `json:"-"`
}

var (
	ErrEmptyFile      = errors.New("file is empty")
	ErrNoHeadersFound = errors.New("could not find data headers")
)

// DetectConfig analyzes an export and returns its layout.
func DetectConfig(data []byte) (*FileConfig, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyFile
	}

	lines := strings.Split(string(data), "\n")
	delimiter, skipLines, err := findHeaderRow(lines)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(strings.NewReader(strings.TrimRight(lines[skipLines], "\r")))
	reader.Comma = delimiter
	reader.LazyQuotes = true

	headers, err := reader.Read()
	if err != nil {
		return nil, err
	}
	for i, h := range headers {
		headers[i] = strings.TrimSpace(h)
	}

	return &FileConfig{
		Delimiter:   delimiter,
		SkipLines:   skipLines,
		Headers:     headers,
		Fingerprint: fingerprint(headers),
		SampleRows:  sampleRows(data, delimiter, skipLines+1, maxSampleRows),
	}, nil
}

// Suggest detects the layout of data and proposes a source for it.
func Suggest(data []byte) (*Suggestion, error) {
	cfg, err := DetectConfig(data)
	if err != nil {
		return nil, err
	}
	s := SuggestSchema(cfg)
	return &Suggestion{Schema: s, Columns: cfg.Headers, Config: cfg}, nil
}

// SuggestSchema maps header names to field tags. Each tag is used at most
// once; anything unrecognized is ignored.
func SuggestSchema(cfg *FileConfig) schema.FieldSchema {
	fields := make([]schema.FieldTag, len(cfg.Headers))
	used := make(map[schema.FieldTag]bool)
	for i, header := range cfg.Headers {
		tag := classify(strings.ToLower(header))
		if tag == schema.Ignore || used[tag] {
			fields[i] = schema.Ignore
			continue
		}
		// A single amount column wins over a lone debit or credit.
		if (tag == schema.Debit || tag == schema.Credit) && used[schema.Amount] {
			fields[i] = schema.Ignore
			continue
		}
		if tag == schema.Amount && (used[schema.Debit] || used[schema.Credit]) {
			fields[i] = schema.Ignore
			continue
		}
		fields[i] = tag
		used[tag] = true
	}

	s := schema.FieldSchema{
		Fields:      fields,
		Delimiter:   string(cfg.Delimiter),
		HeaderLines: cfg.SkipLines + 1,
	}

	if col := s.Index(schema.EntryDate); col >= 0 {
		dates := column(cfg.SampleRows, col)
		s.DateFormat = normalizer.DetectDateFormat(dates)
		s.Order = detectOrder(dates, s.DateFormat)
	}
	for _, tag := range []schema.FieldTag{schema.Amount, schema.Debit, schema.Credit, schema.RunningTotalInclusive} {
		if col := s.Index(tag); col >= 0 && decimalComma(column(cfg.SampleRows, col)) {
			s.DecimalComma = true
			break
		}
	}
	return s
}

func classify(h string) schema.FieldTag {
	has := func(subs ...string) bool {
		for _, sub := range subs {
			if strings.Contains(h, sub) {
				return true
			}
		}
		return false
	}

	switch {
	case has("data valor", "value date", "effective", "fecha valor"):
		return schema.EffectiveDate
	case has("data mov", "date", "fecha") || h == "data":
		return schema.EntryDate
	case has("descri", "merchant", "concepto") || h == "nome" || h == "name":
		return schema.Description
	case has("débito", "debito", "debit", "cargo"):
		return schema.Debit
	case has("crédito", "credito", "credit", "abono"):
		return schema.Credit
	case h == "amount" || h == "valor" || h == "importe" || h == "montante":
		return schema.Amount
	case has("saldo", "balance", "running total"):
		return schema.RunningTotalInclusive
	case h == "transaction id" || h == "unique id":
		return schema.UniqueID
	}
	return schema.Ignore
}

func column(rows [][]string, col int) []string {
	var out []string
	for _, row := range rows {
		if col < len(row) && strings.TrimSpace(row[col]) != "" {
			out = append(out, strings.TrimSpace(row[col]))
		}
	}
	return out
}

// detectOrder reports NewestFirst when the sample dates run backwards.
func detectOrder(dates []string, format string) schema.Order {
	if len(dates) < 2 {
		return schema.OldestFirst
	}
	layout, err := normalizer.ConvertDateFormat(format)
	if err != nil {
		return schema.OldestFirst
	}
	first, err1 := normalizer.ParseDate(dates[0], layout, nil)
	last, err2 := normalizer.ParseDate(dates[len(dates)-1], layout, nil)
	if err1 == nil && err2 == nil && first.After(last) {
		return schema.NewestFirst
	}
	return schema.OldestFirst
}

// decimalComma reports whether amounts use ',' as the decimal separator.
func decimalComma(values []string) bool {
	for _, v := range values {
		comma := strings.LastIndexByte(v, ',')
		if comma >= 0 && comma > strings.LastIndexByte(v, '.') && len(v)-comma-1 == 2 {
			return true
		}
	}
	return false
}

// findHeaderRow locates the header row and its delimiter
func findHeaderRow(lines []string) (rune, int, error) {
	delimiters := []rune{';', '\t', ',', '|'}

	for i, line := range lines {
		if i > 20 {
			break
		}

		lower := strings.ToLower(line)
		hasKeyword := false
		for _, kw := range headerKeywords {
			if strings.Contains(lower, kw) {
				hasKeyword = true
				break
			}
		}
		if !hasKeyword {
			continue
		}

		// date, description and amount at the very least
		for _, d := range delimiters {
			if strings.Count(line, string(d)) >= 2 {
				return d, i, nil
			}
		}
	}

	return 0, 0, ErrNoHeadersFound
}

// fingerprint identifies an export layout by its normalized header names.
func fingerprint(headers []string) string {
	var normalized []string
	for _, h := range headers {
		clean := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return unicode.ToLower(r)
			}
			return -1
		}, h)
		if clean != "" {
			normalized = append(normalized, clean)
		}
	}

	sum := blake2b.Sum256([]byte(strings.Join(normalized, "|")))
	return hex.EncodeToString(sum[:])
}

// sampleRows returns up to maxRows records starting at record startLine.
func sampleRows(data []byte, delimiter rune, startLine, maxRows int) [][]string {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = delimiter
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	var rows [][]string
	lineNum := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}

		if lineNum >= startLine {
			rows = append(rows, record)
			if len(rows) >= maxRows {
				break
			}
		}
		lineNum++
	}
	return rows
}
