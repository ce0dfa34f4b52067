// Package session owns the per-call state machine: segmentation of
// caller audio into utterances, pacing of assistant audio back to the
// telephony leg, transcript assembly, and the actor that ties both
// websocket legs together. A registry tracks the live sessions in
// process and mirrors them into Redis for fleet-wide monitoring.
package session

import (
	"time"

	"github.com/CoraHQ/cora-voice-bridge/internal/config"
)

// Segmenter batches inbound caller frames into utterances worth
// committing to the model. It holds nothing while the line is silent,
// starts buffering on the first voiced frame, and closes the utterance
// on trailing silence or a hard duration cap. Not safe for concurrent
// use; the session actor owns it.
type Segmenter struct {
	tuning *config.Tuning

	accumulating bool
	buf          []int16
	startedAt    time.Time
	lastVoiced   time.Time
}

// NewSegmenter returns an idle segmenter.
func NewSegmenter(tuning *config.Tuning) *Segmenter {
	return &Segmenter{tuning: tuning}
}

// Voiced reports whether a frame carries speech-like energy: the
// fraction of samples above the magnitude gate exceeds the tuned
// threshold.
func (s *Segmenter) Voiced(frame []int16) bool {
	if len(frame) == 0 {
		return false
	}
	gate := s.tuning.VoicedMagnitude
	count := 0
	for _, v := range frame {
		if v > gate || v < -gate {
			count++
		}
	}
	return float64(count)/float64(len(frame)) > s.tuning.VoicedFraction
}

// Push feeds one decoded frame. The returned slice is non-nil when an
// utterance just closed; the caller commits it downstream.
func (s *Segmenter) Push(frame []int16, now time.Time) []int16 {
	voiced := s.Voiced(frame)

	if !s.accumulating {
		if !voiced {
			return nil
		}
		s.accumulating = true
		s.startedAt = now
		s.lastVoiced = now
	}

	// Every frame is kept once an utterance opened, silence included,
	// so word gaps survive into the committed audio.
	s.buf = append(s.buf, frame...)
	if voiced {
		s.lastVoiced = now
	}

	age := now.Sub(s.startedAt)
	silence := now.Sub(s.lastVoiced)
	if age >= s.tuning.HardMax {
		return s.take()
	}
	if age >= s.tuning.MinUtterance && silence >= s.tuning.EndSilence {
		return s.take()
	}
	return nil
}

// Flush force-closes the current utterance, if any. Used at teardown
// so trailing caller audio is not dropped.
func (s *Segmenter) Flush() []int16 {
	if !s.accumulating {
		return nil
	}
	return s.take()
}

// Buffered reports whether an utterance is open.
func (s *Segmenter) Buffered() bool {
	return s.accumulating
}

func (s *Segmenter) take() []int16 {
	out := s.buf
	s.buf = nil
	s.accumulating = false
	return out
}
