package kv

import (
	"math"
	"strconv"
)

// ParseCounter decodes a counter value written by Increment.
func ParseCounter(b []byte) (uint64, error) {
	n, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0, ErrNotInteger
	}
	return n, nil
}

// FormatCounter encodes n the way Increment stores it.
func FormatCounter(n uint64) []byte {
	return strconv.AppendUint(nil, n, 10)
}

// AddDelta applies delta to cur with a floor of zero and saturation at
// math.MaxUint64.
func AddDelta(cur uint64, delta int64) uint64 {
	if delta >= 0 {
		d := uint64(delta)
		if cur > math.MaxUint64-d {
			return math.MaxUint64
		}
		return cur + d
	}
	d := uint64(-(delta + 1)) + 1 // -delta without overflow at MinInt64
	if d >= cur {
		return 0
	}
	return cur - d
}
