package session

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pacerSink records every outbound write in arrival order.
type pacerSink struct {
	mu     sync.Mutex
	events []string
	frames [][]byte
}

func (s *pacerSink) writeFrame(ulaw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "frame")
	frame := make([]byte, len(ulaw))
	copy(frame, ulaw)
	s.frames = append(s.frames, frame)
	return nil
}

func (s *pacerSink) writeClear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "clear")
	return nil
}

func (s *pacerSink) writeMark(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "mark:"+name)
	return nil
}

func (s *pacerSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	copy(out, s.events)
	return out
}

func (s *pacerSink) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func newTestPacer(sink *pacerSink, markEvery int) *Pacer {
	return NewPacer(PacerOptions{
		CallID:        "CA-test",
		FrameBytes:    160,
		FrameInterval: time.Millisecond,
		MarkEvery:     markEvery,
		WriteFrame:    sink.writeFrame,
		WriteClear:    sink.writeClear,
		WriteMark:     sink.writeMark,
	})
}

func TestPacerSlicesFullFramesOnly(t *testing.T) {
	p := newTestPacer(&pacerSink{}, 0)

	p.Push(make([]byte, 100))
	assert.Equal(t, 0, p.QueuedFrames())

	p.Push(make([]byte, 60))
	assert.Equal(t, 1, p.QueuedFrames())

	p.Push(make([]byte, 400))
	assert.Equal(t, 3, p.QueuedFrames())
}

func TestPacerFlushPadsTail(t *testing.T) {
	sink := &pacerSink{}
	p := newTestPacer(sink, 0)

	payload := bytes.Repeat([]byte{0x12}, 100)
	p.Push(payload)
	assert.Equal(t, 0, p.QueuedFrames())

	p.Flush()
	assert.Equal(t, 1, p.QueuedFrames())

	p.Start()
	defer p.Stop()
	require.Eventually(t, func() bool { return sink.frameCount() == 1 }, time.Second, 5*time.Millisecond)

	frame := sink.frames[0]
	require.Len(t, frame, 160)
	assert.Equal(t, payload, frame[:100])
	// The padding is mu-law silence, never raw zeros.
	for _, b := range frame[100:] {
		assert.Equal(t, byte(ulawSilence), b)
	}
}

func TestPacerFlushWithoutTailIsNoop(t *testing.T) {
	p := newTestPacer(&pacerSink{}, 0)
	p.Flush()
	assert.Equal(t, 0, p.QueuedFrames())
}

func TestPacerClearDropsEverything(t *testing.T) {
	p := newTestPacer(&pacerSink{}, 0)

	p.Push(make([]byte, 500))
	p.BeginUtterance()
	p.Clear()

	assert.Equal(t, 0, p.QueuedFrames())
	// The tail went too: flushing after a clear queues nothing.
	p.Flush()
	assert.Equal(t, 0, p.QueuedFrames())
}

func TestPacerClearPrecedesNewUtterance(t *testing.T) {
	sink := &pacerSink{}
	p := newTestPacer(sink, 0)
	p.Start()
	defer p.Stop()

	p.BeginUtterance()
	p.Push(make([]byte, 320))

	require.Eventually(t, func() bool { return sink.frameCount() == 2 }, time.Second, 5*time.Millisecond)

	events := sink.snapshot()
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, "clear", events[0])
	assert.Equal(t, "frame", events[1])
	assert.Equal(t, "frame", events[2])
}

func TestPacerEmitsMarks(t *testing.T) {
	sink := &pacerSink{}
	p := newTestPacer(sink, 2)
	p.Start()
	defer p.Stop()

	p.Push(make([]byte, 4*160))

	collectMarks := func() []string {
		var marks []string
		for _, ev := range sink.snapshot() {
			if len(ev) > 5 && ev[:5] == "mark:" {
				marks = append(marks, ev[5:])
			}
		}
		return marks
	}
	require.Eventually(t, func() bool { return len(collectMarks()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"playout-1", "playout-2"}, collectMarks())
}

func TestPacerHoldsFrameCadence(t *testing.T) {
	const (
		interval = 5 * time.Millisecond
		nFrames  = 40
	)
	sink := &pacerSink{}
	p := NewPacer(PacerOptions{
		CallID:        "CA-test",
		FrameBytes:    160,
		FrameInterval: interval,
		WriteFrame:    sink.writeFrame,
	})

	// Audio for the whole window is available up front; only the ticker
	// may meter it out.
	p.Push(make([]byte, nFrames*160))

	start := time.Now()
	p.Start()
	defer p.Stop()
	require.Eventually(t, func() bool { return sink.frameCount() == nFrames }, 5*time.Second, time.Millisecond)
	elapsed := time.Since(start)

	// One frame per tick: draining the queue takes about nFrames
	// intervals of wall time, never a burst. The bound is loose enough
	// for scheduler jitter.
	assert.GreaterOrEqual(t, elapsed, time.Duration(nFrames-1)*interval*3/4)
	assert.Equal(t, nFrames, sink.frameCount())
}

func TestPacerStopIsIdempotent(t *testing.T) {
	p := newTestPacer(&pacerSink{}, 0)
	p.Start()
	p.Stop()
	p.Stop()
}
