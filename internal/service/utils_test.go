package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntervalRoundTrip(t *testing.T) {
	for _, s := range []string{"30s", "1m", "5m", "15m", "1h", "4h", "1d"} {
		d, err := ParseIntervalDuration(s)
		assert.NoError(t, err, s)
		assert.Equal(t, s, FormatInterval(d))
	}

	d, err := ParseIntervalDuration("4h")
	assert.NoError(t, err)
	assert.Equal(t, 4*time.Hour, d)

	for _, bad := range []string{"", "m", "5x", "-1m", "0h"} {
		_, err := ParseIntervalDuration(bad)
		assert.Error(t, err, bad)
	}
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, Clamp(-0.2, 0, 1))
	assert.Equal(t, 1.0, Clamp(1.7, 0, 1))
	assert.Equal(t, 0.4, Clamp(0.4, 0, 1))
}
