package analysis

import (
	"errors"
	"strings"
)

const DefaultMaxEmphasis = 3

var ErrEmphasisLimit = errors.New("emphasis limit reached")

// Selection is an ordered set of emphasis values bounded by Max. Values
// compare case-insensitively and keep the spelling they were added with.
// It is not safe for concurrent use; the owning controller guards it.
type Selection struct {
	max   int
	order []string
}

func NewSelection(max int) *Selection {
	if max <= 0 {
		max = DefaultMaxEmphasis
	}
	return &Selection{max: max}
}

func (s *Selection) Max() int {
	return s.max
}

func (s *Selection) Len() int {
	return len(s.order)
}

func (s *Selection) Full() bool {
	return len(s.order) >= s.max
}

func (s *Selection) Contains(value string) bool {
	return s.index(value) >= 0
}

// Values returns the selected values in the order they were picked.
func (s *Selection) Values() []string {
	return append([]string{}, s.order...)
}

// Toggle flips value and reports whether it is selected afterwards. Adding
// past the bound fails with ErrEmphasisLimit and leaves the set unchanged.
func (s *Selection) Toggle(value string) (bool, error) {
	if s.Contains(value) {
		return false, s.Set(value, false)
	}
	if err := s.Set(value, true); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Selection) Set(value string, on bool) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}

	idx := s.index(value)
	if !on {
		if idx >= 0 {
			s.order = append(s.order[:idx:idx], s.order[idx+1:]...)
		}
		return nil
	}

	if idx >= 0 {
		return nil
	}
	if len(s.order) >= s.max {
		return ErrEmphasisLimit
	}
	s.order = append(s.order, value)
	return nil
}

// Retain drops selected values that are not among allowed.
func (s *Selection) Retain(allowed []string) {
	keep := make(map[string]bool, len(allowed))
	for _, v := range allowed {
		keep[key(v)] = true
	}

	out := s.order[:0:0]
	for _, v := range s.order {
		if keep[key(v)] {
			out = append(out, v)
		}
	}
	s.order = out
}

func (s *Selection) Clear() {
	s.order = nil
}

func (s *Selection) index(value string) int {
	k := key(value)
	for i, v := range s.order {
		if key(v) == k {
			return i
		}
	}
	return -1
}

func key(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
