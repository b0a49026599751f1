package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterBurstAndRefill(t *testing.T) {
	var (
		now = time.Now()
		l   = New(4, time.Second)
	)

	for i := 0; i < 4; i++ {
		assert.True(t, l.AllowN(now, 1))
	}
	assert.False(t, l.AllowN(now, 1))

	// one token per quarter second
	now = now.Add(250 * time.Millisecond)
	assert.True(t, l.AllowN(now, 1))
	assert.False(t, l.AllowN(now, 1))

	// refill is capped at burst
	now = now.Add(time.Hour)
	for i := 0; i < 4; i++ {
		assert.True(t, l.AllowN(now, 1))
	}
	assert.False(t, l.AllowN(now, 1))
}

func TestLimiterDefaults(t *testing.T) {
	var (
		now = time.Now()
		l   = New(0, 0)
	)

	assert.Equal(t, 1, l.Burst())
	assert.True(t, l.AllowN(now, 1))
	assert.False(t, l.AllowN(now, 1))

	now = now.Add(time.Second)
	assert.True(t, l.AllowN(now, 1))
}
