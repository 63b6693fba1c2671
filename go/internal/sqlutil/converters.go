package sqlutil

import "time"

// ToMillis converts a time to the epoch-millisecond integers room rows are
// stored and compared with.
func ToMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}
