package config

import (
	"time"

	"github.com/jinzhu/copier"
)

// Tuning holds every timing and level threshold a call session uses.
// Sessions receive their own clone so tenant overrides never leak into
// other calls.
type Tuning struct {
	// Segmentation
	MinUtterance time.Duration // shortest buffered audio worth committing
	EndSilence   time.Duration // trailing silence that closes an utterance
	HardMax      time.Duration // forced commit regardless of silence

	// Frame pacing
	FrameInterval time.Duration
	FrameSamples  int
	MarkEvery     int // playout marks emitted every N frames

	// Voice activity gate
	VoicedMagnitude int16   // sample magnitude counted as voiced
	VoicedFraction  float64 // fraction of voiced samples to call a frame voiced

	// Inbound gain
	TargetRMS float64

	// Model turn detection
	VADThreshold       float64
	VADPrefixPadding   time.Duration
	VADSilenceHangover time.Duration

	// Tool execution
	ToolRatePerSecond float64
	ToolTimeout       time.Duration

	// Session limits
	MaxCallDuration time.Duration
	SilenceHangup   time.Duration
}

// DefaultTuning returns the stock telephony tuning.
func DefaultTuning() *Tuning {
	return &Tuning{
		MinUtterance: 600 * time.Millisecond,
		EndSilence:   220 * time.Millisecond,
		HardMax:      3 * time.Second,

		FrameInterval: 20 * time.Millisecond,
		FrameSamples:  160,
		MarkEvery:     25, // every 500ms of playout

		VoicedMagnitude: 500,
		VoicedFraction:  0.05,

		TargetRMS: 4000,

		VADThreshold:       0.5,
		VADPrefixPadding:   300 * time.Millisecond,
		VADSilenceHangover: 500 * time.Millisecond,

		ToolRatePerSecond: 10,
		ToolTimeout:       8 * time.Second,

		MaxCallDuration: 30 * time.Minute,
		SilenceHangup:   90 * time.Second,
	}
}

// Clone returns an independent copy for a single session.
func (t *Tuning) Clone() *Tuning {
	out := &Tuning{}
	if err := copier.Copy(out, t); err != nil {
		fallback := *t
		return &fallback
	}
	return out
}
