// Package clock provides the local monotonic clock shared by stream
// timestamps, trigger events and published markers.
package clock

import "time"

var epoch = time.Now()

// Local returns the seconds elapsed on the process monotonic clock.
// Receivers stamp samples with it, so event log entries written from
// Local line up with buffered sample timestamps without any correction.
func Local() float64 {
	return time.Since(epoch).Seconds()
}
