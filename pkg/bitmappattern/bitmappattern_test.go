package bitmappattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBucket(t *testing.T) {
	tests := []struct {
		name     string
		sats     int64
		expected int
	}{
		{"zero value", 0, 1},
		{"one sat", 1, 1},
		{"exactly 0.01 btc", 1_000_000, 1},
		{"just over 0.01 btc", 1_000_001, 2},
		{"exactly 0.1 btc", 10_000_000, 2},
		{"exactly 1 btc", 100_000_000, 3},
		{"exactly 10 btc", 1_000_000_000, 4},
		{"exactly 100 btc", 10_000_000_000, 5},
		{"exactly 1000 btc", 100_000_000_000, 6},
		{"exactly 10000 btc", 1_000_000_000_000, 7},
		{"exactly 100000 btc", 10_000_000_000_000, 8},
		{"exactly 1000000 btc", 100_000_000_000_000, 9},
		{"well over 1000000 btc", 1_000_000_000_000_000, 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Bucket(tt.sats))
		})
	}
}

func TestDerive(t *testing.T) {
	values := []int64{0, 1_000_000, 100_000_000, 1_000_000_000_000_000}
	assert.Equal(t, "1139", Derive(values))
}

func TestDigitsRoundTrip(t *testing.T) {
	pattern := Derive([]int64{0, 1_000_000, 100_000_000})
	digits := Digits(pattern)
	assert.Equal(t, []int{1, 1, 3}, digits)
}
