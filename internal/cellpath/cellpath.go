// Package cellpath implements the CellName and CellNamePath data types
// from the cell-service data model: a single cell identifier, and the
// ordered, slash-separated path used to address a cell anywhere in the
// agent tree.
package cellpath

import (
	"fmt"
	"regexp"
	"strings"
)

var nameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// CellName is a single path segment. Equality is byte-exact.
type CellName string

// ValidateCellName checks name against the [a-z0-9][a-z0-9-]* grammar.
func ValidateCellName(name string) (CellName, error) {
	if name == "" {
		return "", fmt.Errorf("cell name is empty")
	}
	if !nameRE.MatchString(name) {
		return "", fmt.Errorf("cell name %q does not match [a-z0-9][a-z0-9-]*", name)
	}
	return CellName(name), nil
}

func (n CellName) String() string { return string(n) }

// Path is an ordered, non-empty sequence of CellName segments. A freshly
// parsed Path is never empty; Empty only ever appears as the tail
// produced by IntoChild on a single-segment path.
type Path struct {
	segments []CellName
}

// Empty is the tail of a single-segment path.
var Empty = Path{}

// IsEmpty reports whether p denotes "current agent" (the empty path).
func (p Path) IsEmpty() bool { return len(p.segments) == 0 }

// Parse turns the wire cell-path string into a Path. Leading/trailing
// '/' are rejected. The empty string parses to Empty, valid only where
// the caller allows "current agent" (Start/Stop).
func Parse(s string) (Path, error) {
	if s == "" {
		return Empty, nil
	}
	if strings.HasPrefix(s, "/") || strings.HasSuffix(s, "/") {
		return Path{}, fmt.Errorf("cell path %q has a leading or trailing slash", s)
	}
	parts := strings.Split(s, "/")
	segs := make([]CellName, 0, len(parts))
	for _, part := range parts {
		n, err := ValidateCellName(part)
		if err != nil {
			return Path{}, fmt.Errorf("cell path %q: %w", s, err)
		}
		segs = append(segs, n)
	}
	return Path{segments: segs}, nil
}

// ParseNonEmpty is Parse plus a non-empty check, for Allocate/Free whose
// cell path is never allowed to denote "current agent".
func ParseNonEmpty(s string) (Path, error) {
	p, err := Parse(s)
	if err != nil {
		return Path{}, err
	}
	if p.IsEmpty() {
		return Path{}, fmt.Errorf("cell path must not be empty")
	}
	return p, nil
}

// IntoChild splits off the head segment, returning the head and the
// remaining tail (Empty if p had exactly one segment). IntoChild panics
// if p is Empty; callers must check IsEmpty first.
func (p Path) IntoChild() (CellName, Path) {
	if p.IsEmpty() {
		panic("cellpath: IntoChild on empty path")
	}
	head := p.segments[0]
	if len(p.segments) == 1 {
		return head, Empty
	}
	return head, Path{segments: append([]CellName(nil), p.segments[1:]...)}
}

// String renders the wire form of p ("" for Empty).
func (p Path) String() string {
	segs := make([]string, len(p.segments))
	for i, s := range p.segments {
		segs[i] = string(s)
	}
	return strings.Join(segs, "/")
}

// Len reports the number of segments (0 for Empty).
func (p Path) Len() int { return len(p.segments) }
