// Package timeoutcodec parses and formats the grpc-timeout header.
package timeoutcodec

import (
	"fmt"
	"strconv"
	"time"
)

// unitDuration maps a grpc-timeout suffix to its duration multiplier.
var unitDuration = map[byte]time.Duration{
	'H': time.Hour,
	'M': time.Minute,
	'S': time.Second,
	'm': time.Millisecond,
	'u': time.Microsecond,
	'n': time.Nanosecond,
}

// orderedUnits lists the same suffixes as unitDuration from largest to
// smallest unit, used by Format to pick the most natural-looking suffix
// for a duration.
var orderedUnits = []struct {
	suffix byte
	unit   time.Duration
}{
	{'H', time.Hour},
	{'M', time.Minute},
	{'S', time.Second},
	{'m', time.Millisecond},
	{'u', time.Microsecond},
	{'n', time.Nanosecond},
}

// maxTimeoutValue is the largest numeric part a grpc-timeout value may
// carry (eight decimal digits).
const maxTimeoutValue = 99999999 // 8 digits, grpc-go's own convention

// Parse validates and decodes a grpc-timeout header value. It returns
// ok=false (and a zero Duration) for anything invalid: non-digit
// characters, a missing or unknown unit suffix, a bare "0" value of any
// unit, or a value that would overflow time.Duration.
func Parse(value string) (d time.Duration, ok bool) {
	if len(value) < 2 {
		return 0, false
	}
	suffix := value[len(value)-1]
	unit, known := unitDuration[suffix]
	if !known {
		return 0, false
	}
	digits := value[:len(value)-1]
	if len(digits) == 0 || len(digits) > 8 {
		return 0, false
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	if n > maxTimeoutValue {
		return 0, false
	}

	// Overflow check: n * unit must fit in an int64 nanosecond count.
	const maxDuration = time.Duration(1<<63 - 1)
	if unit != 0 && n > int64(maxDuration)/int64(unit) {
		return 0, false
	}
	return time.Duration(n) * unit, true
}

// Format renders d back into a grpc-timeout header value, choosing the
// coarsest unit that represents d as a whole number, falling back to
// nanoseconds. Parse(Format(d)) == d for any d produced by Parse.
func Format(d time.Duration) string {
	if d <= 0 {
		return "1n"
	}
	for _, u := range orderedUnits {
		if d%u.unit == 0 {
			n := int64(d / u.unit)
			if n > 0 && n <= maxTimeoutValue {
				return fmt.Sprintf("%d%c", n, u.suffix)
			}
		}
	}
	return fmt.Sprintf("%dn", int64(d))
}
