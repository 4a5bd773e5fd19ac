// Package schema describes how the columns of a bank export map onto transaction fields.
package schema

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/normalizer"
)

var (
	ErrMissingRequiredField = errors.New("schema is missing a required field")
	ErrDuplicateField       = errors.New("schema declares a field more than once")
	ErrConflictingFields    = errors.New("schema declares conflicting fields")
	ErrUnknownTag           = errors.New("unknown field tag")
	ErrUnknownOrder         = errors.New("unknown snapshot order")
	ErrInvalidDelimiter     = errors.New("delimiter must be a single character")
)

// FieldTag is the meaning of one column of an export.
type FieldTag int

const (
	Ignore FieldTag = iota
	EntryDate
	EffectiveDate
	Description
	Amount
	Debit
	Credit
	RunningTotalInclusive
	RunningTotalExclusive
	UniqueID
)

var tagNames = map[FieldTag]string{
	Ignore:                "ignore",
	EntryDate:             "entry_date",
	EffectiveDate:         "effective_date",
	Description:           "description",
	Amount:                "amount",
	Debit:                 "debit",
	Credit:                "credit",
	RunningTotalInclusive: "running_total_inclusive",
	RunningTotalExclusive: "running_total_exclusive",
	UniqueID:              "unique_id",
}

// tagAliases also accepts the column names used by the legacy import command.
var tagAliases = map[string]FieldTag{
	"date":              EntryDate,
	"entered_date":      EntryDate,
	"running_total_inc": RunningTotalInclusive,
	"running_total_exc": RunningTotalExclusive,
	"uniqueid":          UniqueID,
	"id":                UniqueID,
}

func (t FieldTag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("FieldTag(%d)", int(t))
}

// ParseFieldTag resolves a tag name, case-insensitively.
func ParseFieldTag(s string) (FieldTag, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.ReplaceAll(key, "-", "_")
	for tag, name := range tagNames {
		if name == key {
			return tag, nil
		}
	}
	if tag, ok := tagAliases[key]; ok {
		return tag, nil
	}
	return Ignore, fmt.Errorf("%w: %q", ErrUnknownTag, s)
}

// MarshalText implements encoding.TextMarshaler.
func (t FieldTag) MarshalText() ([]byte, error) {
	name, ok := tagNames[t]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, int(t))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *FieldTag) UnmarshalText(text []byte) error {
	tag, err := ParseFieldTag(string(text))
	if err != nil {
		return err
	}
	*t = tag
	return nil
}

// ParseFields resolves a comma separated tag list, e.g. "DATE,AMOUNT,DESCRIPTION,IGNORE".
func ParseFields(list string) ([]FieldTag, error) {
	var tags []FieldTag
	for _, part := range strings.Split(list, ",") {
		tag, err := ParseFieldTag(part)
		if err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

// Order is the native row order of an export.
type Order int

const (
	// OldestFirst exports are already in canonical order.
	OldestFirst Order = iota
	// NewestFirst exports list the latest transaction first and are reversed before diffing.
	NewestFirst
)

func (o Order) String() string {
	if o == NewestFirst {
		return "newest_first"
	}
	return "oldest_first"
}

// MarshalText implements encoding.TextMarshaler.
func (o Order) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Order) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "oldest_first", "natural", "chronological":
		*o = OldestFirst
	case "newest_first", "reversed", "reverse":
		*o = NewestFirst
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOrder, text)
	}
	return nil
}

// Apply maps lines between native and canonical order. It is its own inverse
// and always returns a new slice.
func (o Order) Apply(lines []string) []string {
	out := make([]string, len(lines))
	if o == NewestFirst {
		for i, line := range lines {
			out[len(lines)-1-i] = line
		}
		return out
	}
	copy(out, lines)
	return out
}

// DefaultDateFormat is used when a source does not declare one.
const DefaultDateFormat = "%d/%m/%Y"

// FieldSchema is the per-source description of an export's layout.
type FieldSchema struct {
	Fields       []FieldTag `json:"fields" yaml:"fields" validate:"required,min=1"`
	DateFormat   string     `json:"date_format" yaml:"date_format"`
	Order        Order      `json:"order" yaml:"order"`
	Delimiter    string     `json:"delimiter,omitempty" yaml:"delimiter,omitempty"`
	HeaderLines  int        `json:"header_lines,omitempty" yaml:"header_lines,omitempty" validate:"gte=0"`
	Encoding     string     `json:"encoding,omitempty" yaml:"encoding,omitempty"`
	DecimalComma bool       `json:"decimal_comma,omitempty" yaml:"decimal_comma,omitempty"`
	PostProcess  string     `json:"post_process,omitempty" yaml:"post_process,omitempty"`
}

// WithDefaults returns a copy with empty settings filled in.
func (s FieldSchema) WithDefaults() FieldSchema {
	if s.DateFormat == "" {
		s.DateFormat = DefaultDateFormat
	}
	if s.Delimiter == "" {
		s.Delimiter = ","
	}
	s.Fields = append([]FieldTag(nil), s.Fields...)
	return s
}

// Validate checks the schema once, before any row is read.
func (s FieldSchema) Validate() error {
	seen := make(map[FieldTag]bool, len(s.Fields))
	for _, tag := range s.Fields {
		if _, ok := tagNames[tag]; !ok {
			return fmt.Errorf("%w: %d", ErrUnknownTag, int(tag))
		}
		if tag == Ignore {
			continue
		}
		if seen[tag] {
			return fmt.Errorf("%w: %s", ErrDuplicateField, tag)
		}
		seen[tag] = true
	}

	if !seen[EntryDate] {
		return fmt.Errorf("%w: %s", ErrMissingRequiredField, EntryDate)
	}
	if !seen[Amount] && !seen[Debit] && !seen[Credit] {
		return fmt.Errorf("%w: %s, %s or %s", ErrMissingRequiredField, Amount, Debit, Credit)
	}
	if seen[Amount] && (seen[Debit] || seen[Credit]) {
		return fmt.Errorf("%w: %s with %s/%s", ErrConflictingFields, Amount, Debit, Credit)
	}
	if seen[RunningTotalInclusive] && seen[RunningTotalExclusive] {
		return fmt.Errorf("%w: %s with %s", ErrConflictingFields, RunningTotalInclusive, RunningTotalExclusive)
	}

	if s.Delimiter != "" && utf8.RuneCountInString(s.Delimiter) != 1 {
		return fmt.Errorf("%w: %q", ErrInvalidDelimiter, s.Delimiter)
	}
	if s.HeaderLines < 0 {
		return fmt.Errorf("header_lines must not be negative, got %d", s.HeaderLines)
	}
	if s.DateFormat != "" {
		if _, err := normalizer.ConvertDateFormat(s.DateFormat); err != nil {
			return err
		}
	}
	if !normalizer.KnownEncoding(s.Encoding) {
		return fmt.Errorf("%w: %q", normalizer.ErrUnknownEncoding, s.Encoding)
	}
	return nil
}

// Index returns the column of tag, or -1.
func (s FieldSchema) Index(tag FieldTag) int {
	for i, t := range s.Fields {
		if t == tag {
			return i
		}
	}
	return -1
}

// Has reports whether tag is declared.
func (s FieldSchema) Has(tag FieldTag) bool {
	return s.Index(tag) >= 0
}

// HasRunningTotal reports whether rows carry a bank-reported balance.
func (s FieldSchema) HasRunningTotal() bool {
	return s.Has(RunningTotalInclusive) || s.Has(RunningTotalExclusive)
}

// DelimiterRune returns the field separator, defaulting to ','.
func (s FieldSchema) DelimiterRune() rune {
	if s.Delimiter == "" {
		return ','
	}
	r, _ := utf8.DecodeRuneInString(s.Delimiter)
	return r
}

// Body drops the declared header lines from a snapshot.
func (s FieldSchema) Body(text string) string {
	rest := text
	for i := 0; i < s.HeaderLines; i++ {
		_, after, found := strings.Cut(rest, "\n")
		if !found {
			return ""
		}
		rest = after
	}
	return rest
}
