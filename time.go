package mcapx

import (
	"time"
)

// TimeFromNanos converts a log or publish time to a time.Time.
func TimeFromNanos(nsec uint64) time.Time {
	sec := nsec / 1e9
	nsec -= sec * 1e9
	return time.Unix(int64(sec), int64(nsec))
}

// Stamp is the acquisition time carried in a message header.
type Stamp struct {
	Sec     int32
	Nanosec uint32
}

func (stamp Stamp) Time() time.Time {
	return time.Unix(int64(stamp.Sec), int64(stamp.Nanosec))
}

// Nanos returns the stamp as nanoseconds since the epoch.
func (stamp Stamp) Nanos() int64 {
	return int64(stamp.Sec)*1e9 + int64(stamp.Nanosec)
}
