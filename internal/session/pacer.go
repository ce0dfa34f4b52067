package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/CoraHQ/cora-voice-bridge/pkg/logger"
	"go.uber.org/zap"
)

// mu-law code for a zero sample, used to pad the final partial frame.
const ulawSilence = 0xFF

// PacerOptions configures the outbound frame pacer. The write funcs
// target the telephony leg and must tolerate being called after the
// stream closed.
type PacerOptions struct {
	CallID        string
	FrameBytes    int
	FrameInterval time.Duration
	MarkEvery     int

	WriteFrame func(ulaw []byte) error
	WriteClear func() error
	WriteMark  func(name string) error
}

// Pacer releases synthesized audio to the caller in fixed real-time
// frames instead of the bursts the model produces. One goroutine owns
// the ticker; Push, Clear and BeginUtterance are safe from any
// goroutine.
type Pacer struct {
	opts PacerOptions

	mu        sync.Mutex
	frames    [][]byte
	remainder []byte
	clearNext bool

	framesSent int
	markSeq    int
	streaming  bool
	underruns  int

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewPacer returns a stopped pacer; call Start to begin draining.
func NewPacer(opts PacerOptions) *Pacer {
	if opts.FrameBytes <= 0 {
		opts.FrameBytes = 160
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = 20 * time.Millisecond
	}
	return &Pacer{
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the ticker goroutine.
func (p *Pacer) Start() {
	go p.run()
}

// BeginUtterance arms a clear so stale queued audio is wiped before
// the first frame of the next assistant turn reaches the caller.
func (p *Pacer) BeginUtterance() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearNext = true
}

// Push appends a burst of mu-law audio. Only full frames become
// sendable; the tail is held until the next burst or Flush completes
// it.
func (p *Pacer) Push(ulaw []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data := append(p.remainder, ulaw...)
	size := p.opts.FrameBytes
	for len(data) >= size {
		frame := make([]byte, size)
		copy(frame, data[:size])
		p.frames = append(p.frames, frame)
		data = data[size:]
	}
	p.remainder = append(p.remainder[:0], data...)
}

// Flush pads and queues the held tail so teardown never truncates the
// last words. A short tail is padded with mu-law silence to a full
// frame rather than sent short.
func (p *Pacer) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.remainder) == 0 {
		return
	}
	frame := make([]byte, p.opts.FrameBytes)
	for i := range frame {
		frame[i] = ulawSilence
	}
	copy(frame, p.remainder)
	p.frames = append(p.frames, frame)
	p.remainder = p.remainder[:0]
}

// Clear drops everything queued locally. The caller pairs this with a
// provider-side clear on barge-in.
func (p *Pacer) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = nil
	p.remainder = p.remainder[:0]
	p.clearNext = false
}

// QueuedFrames reports how many full frames await sending.
func (p *Pacer) QueuedFrames() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

// Stop halts the ticker goroutine. Safe to call more than once.
func (p *Pacer) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

func (p *Pacer) run() {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.opts.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Pacer) tick() {
	p.mu.Lock()
	if len(p.frames) == 0 {
		// Running dry mid-playout is an underrun worth counting; an
		// empty queue between assistant turns is just silence.
		wasStreaming := p.streaming
		p.streaming = false
		if wasStreaming {
			p.underruns++
			underruns := p.underruns
			p.mu.Unlock()
			logger.Base().Debug("Playout underrun",
				zap.String("call_id", p.opts.CallID),
				zap.Int("underruns", underruns))
			return
		}
		p.mu.Unlock()
		return
	}
	sendClear := p.clearNext
	p.clearNext = false
	p.streaming = true
	frame := p.frames[0]
	p.frames = p.frames[1:]
	p.framesSent++
	sent := p.framesSent
	p.mu.Unlock()

	if sendClear && p.opts.WriteClear != nil {
		if err := p.opts.WriteClear(); err != nil {
			logger.Base().Debug("Failed to clear provider playout buffer",
				zap.String("call_id", p.opts.CallID),
				zap.Error(err))
		}
	}

	if err := p.opts.WriteFrame(frame); err != nil {
		logger.Base().Debug("Failed to write outbound frame",
			zap.String("call_id", p.opts.CallID),
			zap.Error(err))
		return
	}

	if p.opts.MarkEvery > 0 && sent%p.opts.MarkEvery == 0 && p.opts.WriteMark != nil {
		p.mu.Lock()
		p.markSeq++
		name := fmt.Sprintf("playout-%d", p.markSeq)
		p.mu.Unlock()
		if err := p.opts.WriteMark(name); err != nil {
			logger.Base().Debug("Failed to write playout mark",
				zap.String("call_id", p.opts.CallID),
				zap.Error(err))
		}
	}
}
