package warehouse

import (
	"time"

	"github.com/cespare/xxhash/v2"
)

// PartitionLockKey derives the advisory lock id guarding the rows of one
// table and window. Writers of different windows never contend.
func PartitionLockKey(table string, start, end time.Time) int64 {
	return int64(xxhash.Sum64String(table + "|" + start.Format(time.DateOnly) + "|" + end.Format(time.DateOnly)))
}
