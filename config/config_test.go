package config

import "testing"

func TestIntervalSeconds(t *testing.T) {
	cases := []struct {
		rate float64
		want int
	}{
		{60, 60},
		{1, 3600},
		{0, 1},
		{-5, 1},
		{10000, 1}, // rounds below 1s, clamped
	}
	for _, c := range cases {
		got := IntervalSeconds(c.rate)
		if got != c.want {
			t.Errorf("IntervalSeconds(%v) = %d, want %d", c.rate, got, c.want)
		}
	}
}
