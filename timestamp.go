package earthstar

import "time"

// Timestamps are microseconds since the UNIX epoch, constrained to a
// signed 53-bit range so they survive JSON number round-trips.
const (
	MinTimestamp int64 = 10_000_000_000_000        // 10^13
	MaxTimestamp int64 = 9_007_199_254_740_990     // 2^53 - 2
	FutureCutoff int64 = 10 * 60 * 1_000_000       // writes may lead the clock by at most 10 minutes
)

// Now returns the current wall clock in microseconds.
func Now() int64 {
	return time.Now().UnixMicro()
}

// TimestampIsValid checks that ts lies in the accepted range.
func TimestampIsValid(ts int64) error {
	if ts < MinTimestamp || ts > MaxTimestamp {
		return Validationf("timestamp %d is outside the accepted range", ts)
	}
	return nil
}
