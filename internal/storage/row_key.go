package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RowKey builds a stable key from the values of row at idx. Values are joined
// with a unit separator; nil is encoded as NUL so it never equals "".
//
// Times are normalized to UTC, so the same review date scanned with different
// locations yields the same key.
func RowKey(row []any, idx []int) string {
	var b strings.Builder
	b.Grow(len(idx) * 16)
	for n, i := range idx {
		if n > 0 {
			b.WriteByte('\x1f')
		}
		appendCanonical(&b, row[i])
	}
	return b.String()
}

// appendCanonical avoids fmt for the types the loader stages.
func appendCanonical(b *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		b.WriteByte('\x00')
	case string:
		b.WriteString(t)
	case []byte:
		b.Write(t)
	case bool:
		b.WriteString(strconv.FormatBool(t))
	case int:
		b.WriteString(strconv.Itoa(t))
	case int32:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case float64:
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	case time.Time:
		if !t.IsZero() {
			t = t.UTC()
		}
		b.WriteString(t.Format(time.RFC3339Nano))
	default:
		b.WriteString(fmt.Sprint(t))
	}
}
