package util_test

import (
	"testing"
	"time"

	"github.com/nasa-jpl/ftsctl/util"
)

func TestUniqueString(t *testing.T) {
	inp := []string{"a", "b", "c", "a"}
	expected := []string{"a", "b", "c"}
	output := util.UniqueString(inp)
	for i := 0; i < len(output); i++ {
		if output[i] != expected[i] {
			t.Errorf("expected %s got %s", expected[i], output[i])
		}
	}
}

func TestIntSliceToCSV(t *testing.T) {
	inp := []int{1, 2, 3}
	expected := "1,2,3"
	out := util.IntSliceToCSV(inp)
	if expected != out {
		t.Errorf("expected %s got %s", expected, out)
	}
}

func TestClampHigh(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = 20.
	)
	clamped := util.Clamp(input, low, high)
	if clamped == input {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestClampLow(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = -1.
	)
	clamped := util.Clamp(input, low, high)
	if clamped == input {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestLimiterCheckInsideAndOutside(t *testing.T) {
	l := util.Limiter{Min: 0, Max: 50}
	if !l.Check(25) {
		t.Error("expected in-range value to pass the limit check")
	}
	if l.Check(51) {
		t.Error("expected out-of-range value to fail the limit check")
	}
}

func TestSecsToDuration(t *testing.T) {
	var dur time.Duration = 123456789
	secs := dur.Seconds()
	out := util.SecsToDuration(secs)
	if out != dur {
		t.Errorf("expected SecsToDuration to round trip, output %v != expected %v", out, dur)
	}
}
