package config

import (
	"testing"
	"time"
)

func TestRetryBackoff(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{12, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := RetryBackoff(tc.attempt); got != tc.want {
			t.Fatalf("RetryBackoff(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}
