package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGainBoostsQuietCaller(t *testing.T) {
	g := NewGainControl(4000)
	var out []int16
	for i := 0; i < 50; i++ {
		out = g.Apply(tone(440, TelephonyRate, FrameSamples, 2000))
	}
	rms := rmsLevel(out)
	assert.Greater(t, rms, 3000.0)
	assert.Less(t, rms, 5000.0)
}

func TestGainBoostIsCapped(t *testing.T) {
	g := NewGainControl(4000)
	// RMS ~70: the ideal gain is far beyond the cap.
	var out []int16
	for i := 0; i < 100; i++ {
		out = g.Apply(tone(440, TelephonyRate, FrameSamples, 100))
	}
	maxOut := 100 * math.Pow(10, MaxBoostDB/20)
	rms := rmsLevel(out)
	require.Less(t, rms, maxOut)
	// Converged to the cap, not short of it.
	assert.Greater(t, rms, maxOut*0.9/math.Sqrt2)
}

func TestGainAttenuatesHotCaller(t *testing.T) {
	g := NewGainControl(4000)
	var out []int16
	for i := 0; i < 50; i++ {
		out = g.Apply(tone(440, TelephonyRate, FrameSamples, 20000))
	}
	rms := rmsLevel(out)
	assert.Less(t, rms, 5000.0)
	assert.Greater(t, rms, 3000.0)
}

func TestGainSkipsSilence(t *testing.T) {
	g := NewGainControl(4000)
	silent := make([]int16, FrameSamples)
	out := g.Apply(silent)
	assert.Equal(t, silent, out)
	assert.Equal(t, 1.0, g.gain)
}
