package safe

import (
	"math"
)

// Uint64ToInt64 converts val to int64, clamping to math.MaxInt64.
// The boolean reports whether clamping occurred.
func Uint64ToInt64(val uint64) (int64, bool) {
	if val > math.MaxInt64 {
		return math.MaxInt64, true
	}
	return int64(val), false
}

// FD converts a descriptor to the int32 used by poll and epoll structures.
// Descriptors outside the int32 range map to -1, which poll ignores.
func FD(fd int) int32 {
	if fd < 0 || fd > math.MaxInt32 {
		return -1
	}
	return int32(fd)
}
