package loom

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a UUIDv7 string. Step, run, and session identifiers all come
// from here, so a session's artifacts sort chronologically by id as well as
// by sequence.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns the current time as Unix seconds, the resolution Step
// timestamps use.
func NowUnix() int64 {
	return time.Now().Unix()
}
