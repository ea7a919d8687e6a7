package signals

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Country is one row of the phone prefix table.
type Country struct {
	Code           string `yaml:"code" json:"code"`                      // ISO 3166-1 alpha-2
	Name           string `yaml:"name" json:"name"`
	PhoneCode      string `yaml:"phone_code" json:"phoneCode"`           // digits only, no "+"
	NationalLength int    `yaml:"national_length" json:"nationalLength"` // digits after the country code
}

// PhoneCountry is the result of resolving a phone number.
type PhoneCountry struct {
	CountryCode string `json:"countryCode"`
	CountryName string `json:"countryName"`
	PhoneCode   string `json:"phoneCode"`
}

// DefaultCountries is the built-in prefix table.
var DefaultCountries = []Country{
	{Code: "KE", Name: "Kenya", PhoneCode: "254", NationalLength: 9},
	{Code: "NG", Name: "Nigeria", PhoneCode: "234", NationalLength: 10},
	{Code: "GH", Name: "Ghana", PhoneCode: "233", NationalLength: 9},
	{Code: "UG", Name: "Uganda", PhoneCode: "256", NationalLength: 9},
	{Code: "TZ", Name: "Tanzania", PhoneCode: "255", NationalLength: 9},
	{Code: "RW", Name: "Rwanda", PhoneCode: "250", NationalLength: 9},
	{Code: "ZA", Name: "South Africa", PhoneCode: "27", NationalLength: 9},
	{Code: "ET", Name: "Ethiopia", PhoneCode: "251", NationalLength: 9},
	{Code: "ZM", Name: "Zambia", PhoneCode: "260", NationalLength: 9},
	{Code: "CM", Name: "Cameroon", PhoneCode: "237", NationalLength: 9},
}

// maxE164Digits is the longest number E.164 allows, country code included.
const maxE164Digits = 15

// PhoneTable maps international dialling prefixes to countries.
// It is immutable after construction and safe for concurrent use.
type PhoneTable struct {
	byCode map[string]Country
	// prefixes sorted longest first so the first hit is the longest match
	prefixes []Country
}

// NewPhoneTable builds a table from rows. Rows must have a two-letter code
// and a numeric phone code; duplicates of either are rejected.
func NewPhoneTable(rows []Country) (*PhoneTable, error) {
	t := &PhoneTable{byCode: make(map[string]Country, len(rows))}
	seenPrefix := make(map[string]string, len(rows))

	for _, r := range rows {
		r.Code = strings.ToUpper(strings.TrimSpace(r.Code))
		r.PhoneCode = strings.TrimPrefix(strings.TrimSpace(r.PhoneCode), "+")
		if len(r.Code) != 2 {
			return nil, fmt.Errorf("phone table: invalid country code %q", r.Code)
		}
		if r.PhoneCode == "" || !allDigits(r.PhoneCode) {
			return nil, fmt.Errorf("phone table: %s has invalid phone code %q", r.Code, r.PhoneCode)
		}
		if r.NationalLength < 0 {
			return nil, fmt.Errorf("phone table: %s has negative national length", r.Code)
		}
		if _, dup := t.byCode[r.Code]; dup {
			return nil, fmt.Errorf("phone table: duplicate country %s", r.Code)
		}
		if other, dup := seenPrefix[r.PhoneCode]; dup {
			return nil, fmt.Errorf("phone table: prefix +%s used by both %s and %s", r.PhoneCode, other, r.Code)
		}
		seenPrefix[r.PhoneCode] = r.Code
		t.byCode[r.Code] = r
		t.prefixes = append(t.prefixes, r)
	}

	sort.Slice(t.prefixes, func(i, j int) bool {
		if len(t.prefixes[i].PhoneCode) != len(t.prefixes[j].PhoneCode) {
			return len(t.prefixes[i].PhoneCode) > len(t.prefixes[j].PhoneCode)
		}
		return t.prefixes[i].PhoneCode < t.prefixes[j].PhoneCode
	})
	return t, nil
}

// MustPhoneTable is NewPhoneTable for static rows.
func MustPhoneTable(rows []Country) *PhoneTable {
	t, err := NewPhoneTable(rows)
	if err != nil {
		panic(err)
	}
	return t
}

type phoneTableFile struct {
	Countries []Country `yaml:"countries"`
}

// LoadPhoneTable reads a YAML table of the form:
//
//	countries:
//	  - code: KE
//	    name: Kenya
//	    phone_code: "254"
//	    national_length: 9
func LoadPhoneTable(path string) (*PhoneTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read phone table: %w", err)
	}
	var f phoneTableFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse phone table %s: %w", path, err)
	}
	if len(f.Countries) == 0 {
		return nil, fmt.Errorf("phone table %s has no countries", path)
	}
	return NewPhoneTable(f.Countries)
}

// Restrict returns a table holding only the listed country codes.
// Codes absent from t are ignored.
func (t *PhoneTable) Restrict(codes []string) *PhoneTable {
	var rows []Country
	for _, c := range codes {
		if row, ok := t.byCode[strings.ToUpper(c)]; ok {
			rows = append(rows, row)
		}
	}
	// rows come from a validated table, so this cannot fail
	out, _ := NewPhoneTable(rows)
	return out
}

// IsSupported reports whether code is in the table.
func (t *PhoneTable) IsSupported(code string) bool {
	_, ok := t.byCode[strings.ToUpper(strings.TrimSpace(code))]
	return ok
}

// Lookup returns the row for a country code.
func (t *PhoneTable) Lookup(code string) (Country, bool) {
	c, ok := t.byCode[strings.ToUpper(strings.TrimSpace(code))]
	return c, ok
}

// Codes returns the table's country codes, sorted.
func (t *PhoneTable) Codes() []string {
	out := make([]string, 0, len(t.byCode))
	for c := range t.byCode {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Resolve maps a raw phone number to its country.
//
// Accepted forms are "+<cc><national>", "00<cc><national>" or the bare
// international digits; spaces, dashes, dots and parentheses are ignored.
// A leading single "0" is a national trunk prefix and is rejected with
// ErrNationalFormat; use ResolveIn when the home country is known.
func (t *PhoneTable) Resolve(raw string) (PhoneCountry, error) {
	digits, err := normalizePhone(raw)
	if err != nil {
		return PhoneCountry{}, err
	}
	return t.match(digits)
}

// ResolveIn is Resolve with a home country for numbers written in
// national format: the trunk "0" is replaced by the country's phone code.
func (t *PhoneTable) ResolveIn(raw, country string) (PhoneCountry, error) {
	digits, err := normalizePhone(raw)
	if !errors.Is(err, ErrNationalFormat) {
		if err != nil {
			return PhoneCountry{}, err
		}
		return t.match(digits)
	}
	home, ok := t.byCode[strings.ToUpper(strings.TrimSpace(country))]
	if !ok {
		return PhoneCountry{}, err
	}
	national := strings.TrimLeft(stripFormatting(raw), "0")
	return t.match(home.PhoneCode + national)
}

func (t *PhoneTable) match(digits string) (PhoneCountry, error) {
	for _, c := range t.prefixes {
		if !strings.HasPrefix(digits, c.PhoneCode) {
			continue
		}
		national := len(digits) - len(c.PhoneCode)
		if c.NationalLength > 0 && national != c.NationalLength {
			return PhoneCountry{}, fmt.Errorf("%w: %s numbers have %d national digits, got %d",
				ErrInvalidLength, c.Code, c.NationalLength, national)
		}
		if national <= 0 {
			return PhoneCountry{}, fmt.Errorf("%w: no subscriber number", ErrInvalidLength)
		}
		return PhoneCountry{CountryCode: c.Code, CountryName: c.Name, PhoneCode: "+" + c.PhoneCode}, nil
	}
	return PhoneCountry{}, ErrUnsupportedPrefix
}

func normalizePhone(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty number", ErrInvalidLength)
	}

	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", fmt.Errorf("%w: unexpected character %q", ErrInvalidLength, r)
		}
	}
	digits := b.String()

	switch {
	case strings.HasPrefix(s, "+"):
	case strings.HasPrefix(digits, "00"):
		digits = digits[2:]
	case strings.HasPrefix(digits, "0"):
		return "", fmt.Errorf("%w: national trunk prefix without country code", ErrNationalFormat)
	}

	if digits == "" {
		return "", fmt.Errorf("%w: no digits", ErrInvalidLength)
	}
	if len(digits) > maxE164Digits {
		return "", fmt.Errorf("%w: %d digits exceeds E.164 maximum", ErrInvalidLength, len(digits))
	}
	return digits, nil
}

// stripFormatting keeps only the digits of an already validated number.
func stripFormatting(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
