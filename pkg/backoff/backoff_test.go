package backoff

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponential(t *testing.T) {
	tests := []struct {
		name    string
		base    time.Duration
		attempt int
		want    time.Duration
	}{
		{"first attempt", time.Minute, 0, time.Minute},
		{"doubles", time.Minute, 3, 8 * time.Minute},
		{"negative attempt", time.Minute, -1, time.Minute},
		{"zero base", 0, 5, 0},
		{"negative base", -time.Second, 2, 0},
		{"saturates", time.Hour, 62, time.Duration(math.MaxInt64)},
		{"shift clamped", time.Nanosecond, 100, time.Duration(1 << 62)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Exponential(tt.base, tt.attempt))
		})
	}
}

func TestCapped(t *testing.T) {
	const day = 24 * time.Hour
	tests := []struct {
		name    string
		base    time.Duration
		attempt int
		ceiling time.Duration
		want    time.Duration
	}{
		{"below ceiling", time.Minute, 3, day, 8 * time.Minute},
		{"large attempt", time.Minute, 40, day, day},
		{"hour base", time.Hour, 10, day, day},
		{"overflow", time.Hour, 62, day, day},
		{"no ceiling", time.Minute, 4, 0, 16 * time.Minute},
		{"zero base", 0, 5, day, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Capped(tt.base, tt.attempt, tt.ceiling))
		})
	}
}
