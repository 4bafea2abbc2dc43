package loader

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWindow_RequiresMinSamples(t *testing.T) {
	w := newWindow(QuarantineConfig{Window: 10, MinSamples: 5, ThresholdPercent: 50})
	for i := 0; i < 4; i++ {
		w.observe(true)
	}
	assert.False(t, w.exceeded())
	w.observe(true)
	assert.True(t, w.exceeded())
}

func TestWindow_Rolls(t *testing.T) {
	w := newWindow(QuarantineConfig{Window: 4, MinSamples: 4, ThresholdPercent: 50})
	for _, bad := range []bool{true, true, true, false} {
		w.observe(bad)
	}
	assert.InDelta(t, 75.0, w.ratio(), 0.001)
	assert.True(t, w.exceeded())

	// Older verdicts fall out of the window.
	w.observe(false)
	w.observe(false)
	assert.InDelta(t, 25.0, w.ratio(), 0.001)
	assert.False(t, w.exceeded())
}

func TestWindow_ThresholdIsExclusive(t *testing.T) {
	w := newWindow(QuarantineConfig{Window: 4, MinSamples: 4, ThresholdPercent: 50})
	for _, bad := range []bool{true, true, false, false} {
		w.observe(bad)
	}
	assert.False(t, w.exceeded())
}

func TestWindow_Disabled(t *testing.T) {
	w := newWindow(QuarantineConfig{Window: 2, ThresholdPercent: 0})
	w.observe(true)
	w.observe(true)
	assert.False(t, w.exceeded())
	assert.Zero(t, newWindow(QuarantineConfig{}).ratio())
}
