package identifier

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidIdentifier is returned for input that cannot name an item
var ErrInvalidIdentifier = errors.New("invalid identifier")

// Known variant suffixes: joke, archived, explained, decommissioned
var suffixes = map[string]bool{
	"j":   true,
	"arc": true,
	"ex":  true,
	"d":   true,
}

// labelPattern matches label and slug forms: "SCP-173", "scp-173-j", "scp 0173"
var labelPattern = regexp.MustCompile(`^scp[- ]?(\d+)(?:-([a-z]+))?$`)

// ID is the canonical identity of an item
type ID struct {
	Link   string `json:"link"`
	Label  string `json:"scp"`
	Number int    `json:"scp_number"`
}

// Resolve normalizes a label, bare number or slug into an ID
func Resolve(s string) (ID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ID{}, fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}

	if isDigits(s) {
		n, err := strconv.Atoi(s)
		if err != nil {
			return ID{}, fmt.Errorf("%w: %q: %v", ErrInvalidIdentifier, s, err)
		}
		return ResolveNumber(n)
	}

	m := labelPattern.FindStringSubmatch(s)
	if m == nil {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidIdentifier, s)
	}

	n, err := strconv.Atoi(m[1])
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q: %v", ErrInvalidIdentifier, s, err)
	}

	suffix := m[2]
	if suffix != "" && !suffixes[suffix] {
		return ID{}, fmt.Errorf("%w: unknown suffix %q", ErrInvalidIdentifier, suffix)
	}

	return build(n, suffix), nil
}

// ResolveNumber builds the ID of a plain numbered item
func ResolveNumber(n int) (ID, error) {
	if n < 0 {
		return ID{}, fmt.Errorf("%w: negative number %d", ErrInvalidIdentifier, n)
	}
	return build(n, ""), nil
}

// MustResolve is Resolve for constants and tests
func MustResolve(s string) ID {
	id, err := Resolve(s)
	if err != nil {
		panic(err)
	}
	return id
}

func build(n int, suffix string) ID {
	id := ID{
		Link:   fmt.Sprintf("scp-%03d", n),
		Label:  fmt.Sprintf("SCP-%03d", n),
		Number: n,
	}
	if suffix != "" {
		id.Link += "-" + suffix
		id.Label += "-" + strings.ToUpper(suffix)
	}
	return id
}

// Variant reports the variant suffix of the ID ("" for plain items)
func (id ID) Variant() string {
	prefix := fmt.Sprintf("scp-%03d", id.Number)
	return strings.TrimPrefix(strings.TrimPrefix(id.Link, prefix), "-")
}

// Variants returns the identifier forms a client may use for this item
func (id ID) Variants() []string {
	variants := []string{id.Label, id.Link}
	if id.Variant() == "" {
		variants = append(variants, strconv.Itoa(id.Number))
		if plain := fmt.Sprintf("SCP-%d", id.Number); plain != id.Label {
			variants = append(variants, plain)
		}
	}
	return variants
}

// ParseRange parses "lo-hi" into an inclusive number range, swapping reversed bounds
func ParseRange(s string) (lo, hi int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), "-", 2)
	if len(parts) != 2 || !isDigits(parts[0]) || !isDigits(parts[1]) {
		return 0, 0, fmt.Errorf("%w: range %q", ErrInvalidIdentifier, s)
	}

	lo, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: range %q", ErrInvalidIdentifier, s)
	}
	hi, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: range %q", ErrInvalidIdentifier, s)
	}

	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi, nil
}

// IsRange reports whether s looks like a numeric range
func IsRange(s string) bool {
	_, _, err := ParseRange(s)
	return err == nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
