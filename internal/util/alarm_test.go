package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlarmDuration(t *testing.T) {
	var a Alarm
	assert.True(t, a.AddLimit(100, 10))
	assert.True(t, a.AddLimit(0, 50))

	assert.False(t, a.Push(20, 50))
	assert.True(t, a.Push(20, 50))
	assert.True(t, a.Sticky())

	// Dropping below threshold resets the counter but not the sticky flag.
	assert.False(t, a.Push(5, 50))
	assert.True(t, a.Sticky())
	a.Clear()
	assert.False(t, a.Sticky())

	// A zero duration trips on the first sample above threshold.
	assert.True(t, a.Push(60, 1))
	assert.Equal(t, uint32(60), a.Value())
}

func TestAlarmLimitsFull(t *testing.T) {
	var a Alarm
	for i := 0; i < AlarmLimits; i++ {
		assert.True(t, a.AddLimit(1, uint32(i)))
	}
	assert.False(t, a.AddLimit(1, 99))
	a.ClearLimits()
	assert.False(t, a.Push(1000, 1000))
}
