package clock

import "time"

// Clock provides time to the application (run timestamps, submittedAt).
// Tests substitute a manual clock for deterministic timestamps.
type Clock interface {
	Now() time.Time
}
