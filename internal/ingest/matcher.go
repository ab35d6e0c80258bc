package ingest

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrInvalidPattern = errors.New("invalid pattern")
	ErrMalformedLine  = errors.New("malformed line")
)

type Field struct {
	Name  string
	Value string
}

// Fields are the named groups of one match in pattern order. Groups that did
// not participate in the match are omitted.
type Fields []Field

func (f Fields) Get(name string) (string, bool) {
	for _, field := range f {
		if field.Name == name {
			return field.Value, true
		}
	}
	return "", false
}

func (f Fields) Map() map[string]string {
	out := make(map[string]string, len(f))
	for _, field := range f {
		out[field.Name] = field.Value
	}
	return out
}

// Matcher is one compiled pattern.
type Matcher struct {
	re *regexp.Regexp
}

func NewMatcher(pattern string) (*Matcher, error) {
	if pattern == "" {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return &Matcher{re: re}, nil
}

func (m *Matcher) Match(line string) (Fields, bool) {
	idx := m.re.FindStringSubmatchIndex(line)
	if idx == nil {
		return nil, false
	}
	names := m.re.SubexpNames()
	out := make(Fields, 0, len(names))
	for i := 1; i < len(names); i++ {
		if names[i] == "" || idx[2*i] < 0 {
			continue
		}
		out = append(out, Field{Name: names[i], Value: line[idx[2*i]:idx[2*i+1]]})
	}
	return out, true
}

func (m *Matcher) String() string {
	return m.re.String()
}
