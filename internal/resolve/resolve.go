// Package resolve picks the record an operation targets from a name index.
package resolve

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound  = errors.New("target not found")
	ErrAmbiguous = errors.New("ambiguous target, supply more detail")
)

// Candidate is one indexed record. Descriptors are extra strings a hint may
// match, such as locations, responsible members or status.
type Candidate struct {
	ID          string
	Name        string
	CreatedAt   string
	Descriptors []string
}

// Resolve matches name exactly, ignoring case, against the index. A name
// that is only part of a record's name does not match. When several records
// match, hint filters them and the most recently created survivor is chosen.
func Resolve(index []Candidate, name, hint string) (Candidate, error) {
	name = strings.TrimSpace(name)
	hint = strings.TrimSpace(hint)
	if name == "" {
		return Candidate{}, fmt.Errorf("%w: empty name", ErrNotFound)
	}

	matches := exact(index, name)
	switch len(matches) {
	case 0:
		return Candidate{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	case 1:
		return matches[0], nil
	}

	if hint == "" {
		return Candidate{}, fmt.Errorf("%w: %d records named %q (%s)", ErrAmbiguous, len(matches), name, ids(matches))
	}
	filtered := make([]Candidate, 0, len(matches))
	for _, c := range matches {
		if Matches(c, hint) {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 0 {
		return Candidate{}, fmt.Errorf("%w: hint %q matches none of %d records named %q (%s)", ErrAmbiguous, hint, len(matches), name, ids(matches))
	}
	return mostRecent(filtered), nil
}

// Matches reports whether hint identifies c by id, id prefix or descriptor.
func Matches(c Candidate, hint string) bool {
	h := strings.ToLower(strings.TrimSpace(hint))
	if h == "" {
		return false
	}
	id := strings.ToLower(c.ID)
	if id != "" && (id == h || (len(h) >= 4 && strings.HasPrefix(id, h)) || strings.Contains(h, id)) {
		return true
	}
	for _, d := range c.Descriptors {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if strings.Contains(h, d) || strings.Contains(d, h) {
			return true
		}
	}
	return false
}

func exact(index []Candidate, name string) []Candidate {
	var out []Candidate
	for _, c := range index {
		if strings.EqualFold(strings.TrimSpace(c.Name), name) {
			out = append(out, c)
		}
	}
	return out
}

func mostRecent(cs []Candidate) Candidate {
	sorted := append([]Candidate(nil), cs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt != sorted[j].CreatedAt {
			return sorted[i].CreatedAt > sorted[j].CreatedAt
		}
		return sorted[i].ID > sorted[j].ID
	})
	return sorted[0]
}

func ids(cs []Candidate) string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return strings.Join(out, ", ")
}
