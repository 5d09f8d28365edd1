// Package safeconv provides integer conversions that report overflow
// instead of wrapping.
package safeconv

// MaxInt is the maximum value for int type (platform-dependent).
const MaxInt = int(^uint(0) >> 1)

// Uint64ToInt converts v, reporting false when it does not fit in int.
func Uint64ToInt(v uint64) (int, bool) {
	if v > uint64(MaxInt) {
		return 0, false
	}

	return int(v), true
}

// MustUint64ToInt converts v, panics on overflow.
// Use only when overflow is logically impossible.
func MustUint64ToInt(v uint64) int {
	n, ok := Uint64ToInt(v)
	if !ok {
		panic("safeconv: uint64 to int overflow")
	}

	return n
}
