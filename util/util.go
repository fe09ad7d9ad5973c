// Package util contains misc internal utilities.
package util

import (
	"strconv"
	"strings"
	"time"
)

// Limiter holds a min and max value, used to clamp or reject commanded positions
type Limiter struct {
	// Max is the maximum value, inclusive
	Max float64 `yaml:"Max"`

	// Min is the minimum value, inclusive
	Min float64 `yaml:"Min"`
}

// Check returns true if min <= v <= max
func (l Limiter) Check(v float64) bool {
	return v >= l.Min && v <= l.Max
}

// Clamp restricts x to the range [low, high]
func Clamp(x, low, high float64) float64 {
	if x < low {
		return low
	}
	if x > high {
		return high
	}
	return x
}

// SecsToDuration converts a floating point number of seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

// IntSliceToCSV convets a slice of ints to CSV formatted data.
// e.g., []int{1,2,3,4,5} => "1,2,3,4,5"
func IntSliceToCSV(is []int) string {
	s := make([]string, len(is))
	for i, v := range is {
		s[i] = strconv.Itoa(v)
	}

	return strings.Join(s, ",")
}

// UniqueString returns the unique elements of a string slice,
// preserving first-seen order
func UniqueString(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
