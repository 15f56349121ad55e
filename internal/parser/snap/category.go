package snap

import (
	"strconv"
	"strings"
)

// PathDelimiter separates segments of a category path line.
const PathDelimiter = "|"

// Category is one segment of a category path. ID is the numeric identity
// embedded in the dump and is used as the category key.
type Category struct {
	Name string
	ID   int64
}

// ParsePath splits a raw category path line ("|Books[283155]|Subjects[1000]")
// into its segments in path order. Segments without a bracketed numeric id
// are skipped without affecting their siblings.
func ParsePath(raw string) []Category {
	parts := strings.Split(raw, PathDelimiter)
	out := make([]Category, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		if c, ok := parseSegment(p); ok {
			out = append(out, c)
		}
	}
	return out
}

// parseSegment reads "name[id]". The id is the first bracketed run of digits;
// everything before it is the name, so "Foo [Bar][12]" is ("Foo [Bar]", 12).
func parseSegment(s string) (Category, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] != '[' {
			continue
		}
		j := i + 1
		for j < len(s) && s[j] >= '0' && s[j] <= '9' {
			j++
		}
		if j == i+1 || j >= len(s) || s[j] != ']' {
			continue
		}
		id, err := strconv.ParseInt(s[i+1:j], 10, 64)
		if err != nil {
			continue
		}
		return Category{Name: s[:i], ID: id}, true
	}
	return Category{}, false
}
