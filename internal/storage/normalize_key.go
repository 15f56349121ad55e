package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// NormalizeKey converts a dimension name value to the canonical string used
// as an in-memory cache key ("Book", "Music").
//
// Backends scan names into different Go types (string, []byte, driver
// specific); this keeps resolver caches consistent across backends.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case interface{ String() string }:
		return strings.TrimSpace(t.String())
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
