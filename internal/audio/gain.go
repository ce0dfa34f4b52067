package audio

import "math"

const (
	// MaxBoostDB caps how far quiet callers are boosted so line noise is
	// not amplified into false speech.
	MaxBoostDB = 12.0

	defaultTargetRMS = 4000.0
	gainSmoothing    = 0.2
)

// GainControl normalizes inbound caller level toward a target RMS.
// The applied gain moves a fraction of the way to the ideal gain per
// frame so word boundaries do not pump, and never exceeds MaxBoostDB.
// Attenuation of hot signals is unbounded. Not safe for concurrent use.
type GainControl struct {
	targetRMS float64
	gain      float64
}

// NewGainControl returns a gain stage targeting the given RMS level.
// A non-positive target selects the default telephony level.
func NewGainControl(targetRMS float64) *GainControl {
	if targetRMS <= 0 {
		targetRMS = defaultTargetRMS
	}
	return &GainControl{targetRMS: targetRMS, gain: 1.0}
}

// Apply scales the frame in place and returns it. Near-silent frames
// pass through unchanged so the gain does not chase the noise floor.
func (g *GainControl) Apply(pcm []int16) []int16 {
	rms := rmsLevel(pcm)
	if rms < 1.0 {
		return pcm
	}
	ideal := g.targetRMS / rms
	maxBoost := math.Pow(10, MaxBoostDB/20)
	if ideal > maxBoost {
		ideal = maxBoost
	}
	g.gain += gainSmoothing * (ideal - g.gain)
	for i, s := range pcm {
		pcm[i] = clampSample(float64(s) * g.gain)
	}
	return pcm
}

func rmsLevel(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(pcm)))
}
