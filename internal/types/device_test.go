package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short", "0x1a", "0x" + "000000000000000000000000000000000000000000000000000000000000001a"},
		{"no prefix", "ABC", "0x" + "0000000000000000000000000000000000000000000000000000000000000abc"},
		{"full width", "0x" + "049d36570d4e46f48e99674bd3fcc84644ddd6b96f7c741b1562b82f9e004dc7",
			"0x049d36570d4e46f48e99674bd3fcc84644ddd6b96f7c741b1562b82f9e004dc7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeAddress(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Len(t, got, 66)
		})
	}
}

func TestNormalizeAddressIsIdempotent(t *testing.T) {
	once := NormalizeAddress("0x7")
	assert.Equal(t, once, NormalizeAddress(once))
}

func TestNewPowerReading(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	r := NewPowerReading(7, 230, 0.5, at)

	assert.Equal(t, int64(7), r.DeviceID)
	assert.InDelta(t, 115.0, r.Power, 1e-9)
	assert.Equal(t, time.UTC, r.Timestamp.Location())
}
