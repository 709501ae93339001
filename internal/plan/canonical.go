package plan

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

var enumAliases = map[string]string{
	"借出":  "borrowed",
	"正常":  "normal",
	"维修中": "repairing",
	"维修":  "repairing",
	"损坏":  "broken",
	"丢失":  "lost",
	"报废":  "disposed",
	"私有":  "private",
	"公开":  "public",
	"在职":  "active",
	"活跃":  "active",
	"离开":  "inactive",
	"停用":  "inactive",
	"维护中": "maintenance",
	"关闭":  "closed",
}

var dateLayouts = []struct {
	layout   string
	dateOnly bool
}{
	{"2006-01-02", true},
	{"2006/01/02", true},
	{"2006-01-02 15:04", false},
	{"2006-01-02T15:04", false},
	{"2006-01-02 15:04:05", false},
	{time.RFC3339, false},
}

const (
	DateLayout     = "2006-01-02"
	DateTimeLayout = "2006-01-02 15:04"
)

// Canonical normalizes a declared value into its stored text form. An empty
// result means the field is cleared.
func Canonical(spec FieldSpec, raw string) (string, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		if spec.Kind == KindEnum {
			return "", fmt.Errorf("%s must be one of %s", spec.Name, strings.Join(spec.Enum, ", "))
		}
		return "", nil
	}
	switch spec.Kind {
	case KindEnum:
		key := strings.ToLower(v)
		if alias, ok := enumAliases[v]; ok {
			key = alias
		}
		for _, e := range spec.Enum {
			if e == key {
				return e, nil
			}
		}
		return "", fmt.Errorf("%s must be one of %s, got %q", spec.Name, strings.Join(spec.Enum, ", "), raw)
	case KindInt:
		n, err := strconv.Atoi(v)
		if err != nil {
			return "", fmt.Errorf("%s must be an integer, got %q", spec.Name, raw)
		}
		if n < 0 {
			return "", fmt.Errorf("%s must not be negative", spec.Name)
		}
		return strconv.Itoa(n), nil
	case KindDecimal:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return "", fmt.Errorf("%s must be a number, got %q", spec.Name, raw)
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	case KindDate:
		for _, l := range dateLayouts {
			t, err := time.Parse(l.layout, v)
			if err != nil {
				continue
			}
			if l.dateOnly {
				return t.Format(DateLayout), nil
			}
			return t.Format(DateTimeLayout), nil
		}
		return "", fmt.Errorf("%s must be a date like 2006-01-02, got %q", spec.Name, raw)
	case KindRefList:
		return strings.Join(SplitList(v), ", "), nil
	default:
		return v, nil
	}
}

// SplitList splits a name list on ASCII and CJK separators, dropping blanks
// and case-insensitive duplicates while keeping first-seen order.
func SplitList(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		switch r {
		case ',', '，', '、', ';', '；':
			return true
		}
		return false
	})
	seen := map[string]bool{}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		k := strings.ToLower(p)
		if p == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, p)
	}
	return out
}

// SameValue reports whether a stored value satisfies a declared one.
func SameValue(spec FieldSpec, declared, actual string) bool {
	want, err := Canonical(spec, declared)
	if err != nil {
		return false
	}
	got := strings.TrimSpace(actual)
	switch spec.Kind {
	case KindText, KindRef:
		return strings.EqualFold(want, got)
	case KindRefList:
		return sameSet(SplitList(want), SplitList(got))
	case KindDecimal:
		if want == "" || got == "" {
			return want == got
		}
		a, errA := strconv.ParseFloat(want, 64)
		b, errB := strconv.ParseFloat(got, 64)
		return errA == nil && errB == nil && a == b
	default:
		return want == got
	}
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	norm := func(in []string) []string {
		out := make([]string, len(in))
		for i, s := range in {
			out[i] = strings.ToLower(s)
		}
		sort.Strings(out)
		return out
	}
	na, nb := norm(a), norm(b)
	for i := range na {
		if na[i] != nb[i] {
			return false
		}
	}
	return true
}
