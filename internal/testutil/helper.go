package testutil_test

import "time"

// UTCTime builds a time.Time from a unix second count in UTC, avoiding
// test flakiness tied to the running machine's local timezone.
func UTCTime(sec int64) time.Time {
	return time.Unix(sec, 0).In(time.UTC)
}

// FixedSeconds returns a clock.Source-shaped func returning a constant
// second count, for store/reactor tests that need a deterministic "now".
func FixedSeconds(sec int64) func() int64 {
	return func() int64 { return sec }
}

// FixedMillis returns a clock.Source-shaped func returning a constant
// millisecond count, for reactor registry/deadline tests.
func FixedMillis(ms int64) func() int64 {
	return func() int64 { return ms }
}
