package utils

import (
	"sort"
	"strings"
)

// SortedUnique returns the distinct non-empty entries of in, sorted ascending.
func SortedUnique(in ...[]string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, list := range in {
		for _, e := range list {
			e = strings.TrimSpace(e)
			if e == "" || seen[e] {
				continue
			}
			seen[e] = true
			out = append(out, e)
		}
	}
	sort.Strings(out)
	return out
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
