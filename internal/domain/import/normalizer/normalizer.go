// Package normalizer handles money and date parsing for bank exports.
// Converts the textual fields of a snapshot row into minor units and times.
package normalizer

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	xunicode "golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var (
	ErrInvalidAmount   = errors.New("invalid amount format")
	ErrInvalidDate     = errors.New("invalid date format")
	ErrUnknownEncoding = errors.New("unknown text encoding")
)

// AmountConfig specifies how to read amount strings
type AmountConfig struct {
	DecimalComma bool // European format: 1.234,56 vs 1,234.56
}

// ExtractCents converts an amount string into a signed count of minor units.
//
// Every character that is not a digit, '.' or '-' is dropped. A minus sign is
// only accepted in the first position. When a decimal point is present it
// must be followed by exactly two digits; without one the value is whole
// units. An empty residue is zero.
//
//	"123"          -> 12300
//	"$AUD -123.45" -> -12345
//	"123.0"        -> ErrInvalidAmount
func ExtractCents(raw string, cfg AmountConfig) (int64, error) {
	if cfg.DecimalComma {
		raw = strings.ReplaceAll(raw, ".", "")
		raw = strings.ReplaceAll(raw, ",", ".")
	}

	cleaned := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			return r
		}
		return -1
	}, raw)

	if strings.LastIndex(cleaned, "-") > 0 {
		return 0, fmt.Errorf("%w: %q has a minus sign after the first position", ErrInvalidAmount, raw)
	}

	parts := strings.Split(cleaned, ".")
	switch len(parts) {
	case 1:
		parts = append(parts, "00")
	case 2:
	default:
		return 0, fmt.Errorf("%w: %q has more than one decimal point", ErrInvalidAmount, raw)
	}
	if len(parts[1]) != 2 {
		return 0, fmt.Errorf("%w: %q must have exactly two decimal places", ErrInvalidAmount, raw)
	}

	cents, err := strconv.ParseInt(parts[0]+parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	return cents, nil
}

// DebitCents reads a debit column. The returned amount is negated; present is
// false when the column is empty or zero.
func DebitCents(raw string, cfg AmountConfig) (amount int64, present bool, err error) {
	if strings.TrimSpace(raw) == "" {
		return 0, false, nil
	}
	cents, err := ExtractCents(raw, cfg)
	if err != nil {
		return 0, false, err
	}
	if cents == 0 {
		return 0, false, nil
	}
	return -cents, true, nil
}

// CreditCents reads a credit column. present is false only when the column is empty.
func CreditCents(raw string, cfg AmountConfig) (amount int64, present bool, err error) {
	if strings.TrimSpace(raw) == "" {
		return 0, false, nil
	}
	cents, err := ExtractCents(raw, cfg)
	if err != nil {
		return 0, false, err
	}
	return cents, true, nil
}

// FormatMoney renders minor units with an explicit sign and thousands separators,
// e.g. 100059 -> "$+1,000.59". An empty currency defaults to "$".
func FormatMoney(cents int64, currency string) string {
	if currency == "" {
		currency = "$"
	}
	sign := "+"
	if cents < 0 {
		sign = "-"
	}

	fixed := decimal.New(cents, -2).Abs().StringFixed(2)
	whole, frac, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return currency + sign + b.String() + "." + frac
}

// FormatCents renders minor units as a plain decimal string, e.g. -12345 -> "-123.45".
func FormatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

// strftime directives understood by ConvertDateFormat
var strftimeDirectives = map[byte]string{
	'Y': "2006",
	'y': "06",
	'm': "01",
	'd': "02",
	'H': "15",
	'I': "03",
	'M': "04",
	'S': "05",
	'f': "000000",
	'p': "PM",
	'b': "Jan",
	'B': "January",
	'a': "Mon",
	'A': "Monday",
	'%': "%",
}

// ConvertDateFormat converts a user supplied date format into a Go layout.
// Accepts strftime ("%d/%m/%Y"), token ("DD/MM/YYYY") and Go ("02/01/2006") styles.
func ConvertDateFormat(format string) (string, error) {
	if strings.Contains(format, "%") {
		var b strings.Builder
		for i := 0; i < len(format); i++ {
			if format[i] != '%' {
				b.WriteByte(format[i])
				continue
			}
			if i+1 >= len(format) {
				return "", fmt.Errorf("%w: dangling %% in %q", ErrInvalidDate, format)
			}
			layout, ok := strftimeDirectives[format[i+1]]
			if !ok {
				return "", fmt.Errorf("%w: unsupported directive %%%c in %q", ErrInvalidDate, format[i+1], format)
			}
			b.WriteString(layout)
			i++
		}
		return b.String(), nil
	}
	return convertTokenFormat(format), nil
}

// convertTokenFormat converts token format strings to Go format
// e.g., "DD-MM-YYYY" -> "02-01-2006". Go layouts pass through unchanged.
func convertTokenFormat(format string) string {
	replacements := []struct{ token, layout string }{
		{"YYYY", "2006"},
		{"YY", "06"},
		{"MM", "01"},
		{"DD", "02"},
		{"HH", "15"},
		{"mm", "04"},
		{"ss", "05"},
	}

	result := format
	for _, r := range replacements {
		result = strings.ReplaceAll(result, r.token, r.layout)
	}
	return result
}

// ParseDate parses raw with a Go layout in loc (UTC when nil).
func ParseDate(raw, layout string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, ErrInvalidDate
	}
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(layout, raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q does not match %q", ErrInvalidDate, raw, layout)
	}
	return t, nil
}

var (
	ddmmyyyyPattern = regexp.MustCompile(`^\d{1,2}[-/.]\d{1,2}[-/.]\d{4}$`)
	isoPattern      = regexp.MustCompile(`^\d{4}[-/]\d{1,2}[-/]\d{1,2}$`)
)

// DetectDateFormat attempts to guess the token date format from sample values
func DetectDateFormat(samples []string) string {
	if len(samples) == 0 {
		return "DD/MM/YYYY"
	}

	sep := func(s string) string {
		for _, d := range []string{"/", "-", "."} {
			if strings.Contains(s, d) {
				return d
			}
		}
		return "/"
	}

	dayFirst := false
	monthFirst := false
	for _, raw := range samples {
		sample := strings.TrimSpace(raw)
		if isoPattern.MatchString(sample) {
			return "YYYY" + sep(sample) + "MM" + sep(sample) + "DD"
		}
		if !ddmmyyyyPattern.MatchString(sample) {
			continue
		}
		parts := strings.FieldsFunc(sample, func(r rune) bool {
			return r == '-' || r == '/' || r == '.'
		})
		first, _ := strconv.Atoi(parts[0])
		second, _ := strconv.Atoi(parts[1])
		if first > 12 {
			dayFirst = true
		}
		if second > 12 {
			monthFirst = true
		}
	}

	s := sep(strings.TrimSpace(samples[0]))
	if monthFirst && !dayFirst {
		return "MM" + s + "DD" + s + "YYYY"
	}
	// Day first is the more common layout for bank exports
	return "DD" + s + "MM" + s + "YYYY"
}

var spacePattern = regexp.MustCompile(`\s+`)

// CleanDescription normalizes merchant/description text
func CleanDescription(raw string) string {
	result := strings.TrimSpace(raw)
	return spacePattern.ReplaceAllString(result, " ")
}

// DecodeSnapshot converts export bytes in the named encoding into UTF-8 text.
// An empty name means UTF-8; a leading byte order mark is dropped.
func DecodeSnapshot(data []byte, name string) (string, error) {
	var enc encoding.Encoding
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		enc = xunicode.UTF8BOM
	case "latin1", "latin-1", "iso-8859-1", "iso8859-1":
		enc = charmap.ISO8859_1
	case "windows-1252", "cp1252":
		enc = charmap.Windows1252
	case "iso-8859-15", "latin9":
		enc = charmap.ISO8859_15
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEncoding, name)
	}

	out, _, err := transform.Bytes(enc.NewDecoder(), data)
	if err != nil {
		return "", fmt.Errorf("failed to decode snapshot as %s: %w", name, err)
	}
	return string(out), nil
}

// KnownEncoding reports whether DecodeSnapshot accepts name.
func KnownEncoding(name string) bool {
	_, err := DecodeSnapshot(nil, name)
	return err == nil
}
