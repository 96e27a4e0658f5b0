package timestamp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNow(t *testing.T) {
	before := time.Now().UnixMilli()
	now := Now()
	after := time.Now().UnixMilli()

	assert.GreaterOrEqual(t, now, before)
	assert.LessOrEqual(t, now, after)
}

func TestToUnixMs(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want int64
	}{
		{"zero time", time.Time{}, 0},
		{"epoch plus one second", time.Unix(1, 0), 1000},
		{"sub-millisecond is truncated", time.Unix(0, 1_999_999), 1},
		{"known date", time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC), 1672574400000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ToUnixMs(tt.in))
		})
	}
}

func TestFromUnixMs(t *testing.T) {
	assert.True(t, FromUnixMs(0).IsZero())

	got := FromUnixMs(1672574400000)
	assert.True(t, got.Equal(time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)))
}

func TestRoundTripAccuracy(t *testing.T) {
	original := time.Now().Truncate(time.Millisecond)
	assert.True(t, FromUnixMs(ToUnixMs(original)).Equal(original))
}
