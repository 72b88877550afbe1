// Package clock provides the relative millisecond clock used for leases,
// timers, and message timestamps. It is deliberately not wall-clock time:
// every reading is relative to an arbitrary monotonic origin and wraps
// every 2^32 milliseconds (~49.7 days), matching the wire representation
// used by AppendRequest.leaderTimestamp in pkg/message.
package clock

import "time"

// Timestamp is a millisecond reading from a monotonic clock, truncated to
// 32 bits. Comparisons must use Before/After, not plain integer
// comparison, because of wraparound.
type Timestamp uint32

var origin = time.Now()

// Now returns the current relative timestamp.
func Now() Timestamp {
	return Timestamp(uint32(time.Since(origin).Milliseconds()))
}

// Add returns t advanced by d, wrapping as needed.
func (t Timestamp) Add(d time.Duration) Timestamp {
	return t + Timestamp(uint32(d.Milliseconds()))
}

// Sub returns the signed difference t-u in milliseconds, correctly handling
// a single wraparound in either direction (valid as long as the true gap
// between t and u is under ~24.8 days).
func (t Timestamp) Sub(u Timestamp) time.Duration {
	diff := int32(t - u)
	return time.Duration(diff) * time.Millisecond
}

// Before reports whether t occurred strictly before u.
func (t Timestamp) Before(u Timestamp) bool {
	return t.Sub(u) < 0
}

// After reports whether t occurred strictly after u.
func (t Timestamp) After(u Timestamp) bool {
	return t.Sub(u) > 0
}

// Max returns the later of t and u.
func Max(t, u Timestamp) Timestamp {
	if t.After(u) {
		return t
	}
	return u
}

// Min returns the earlier of t and u.
func Min(t, u Timestamp) Timestamp {
	if t.Before(u) {
		return t
	}
	return u
}
