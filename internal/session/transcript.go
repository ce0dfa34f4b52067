package session

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one finished utterance of the conversation.
type Turn struct {
	Role string
	Text string
	TS   time.Time
	seq  int
}

// transcriptRoute pairs a predicate over a realtime event with the
// extractor that turns it into transcript material. The table is
// walked in order; the first match wins, so the specific shapes sit
// above the response.done fallback.
type transcriptRoute struct {
	match   func(eventType string, event map[string]interface{}) bool
	extract func(c *TranscriptCollector, event map[string]interface{}, now time.Time) []Turn
}

// TranscriptCollector assembles finished turns out of the realtime
// event stream. It tolerates the three shapes transcripts arrive in:
// streamed deltas closed by a done event, single-shot completed
// events, and transcripts only present inside response.done output
// items. Completed turns are buffered until a sink drains them, and
// the drain orders by (event timestamp, arrival), so a user turn that
// was spoken first is emitted first even when its transcription
// arrived late.
type TranscriptCollector struct {
	mu      sync.Mutex
	partial map[string]*strings.Builder // keyed by item/response id
	done    map[string]bool             // ids already finalized
	turns   []Turn
	nextSeq int
}

// NewTranscriptCollector returns an empty collector.
func NewTranscriptCollector() *TranscriptCollector {
	return &TranscriptCollector{
		partial: make(map[string]*strings.Builder),
		done:    make(map[string]bool),
	}
}

var transcriptRoutes = []transcriptRoute{
	{
		match: func(t string, _ map[string]interface{}) bool {
			return t == "conversation.item.input_audio_transcription.completed"
		},
		extract: func(c *TranscriptCollector, event map[string]interface{}, now time.Time) []Turn {
			id, _ := event["item_id"].(string)
			text, _ := event["transcript"].(string)
			return c.finalize(id, RoleUser, text, now)
		},
	},
	{
		match: func(t string, _ map[string]interface{}) bool {
			return t == "conversation.item.input_audio_transcription.delta"
		},
		extract: func(c *TranscriptCollector, event map[string]interface{}, _ time.Time) []Turn {
			id, _ := event["item_id"].(string)
			delta, _ := event["delta"].(string)
			c.append(id, delta)
			return nil
		},
	},
	{
		match: func(t string, _ map[string]interface{}) bool {
			return t == "response.audio_transcript.done"
		},
		extract: func(c *TranscriptCollector, event map[string]interface{}, now time.Time) []Turn {
			id, _ := event["response_id"].(string)
			text, _ := event["transcript"].(string)
			return c.finalize(id, RoleAssistant, text, now)
		},
	},
	{
		match: func(t string, _ map[string]interface{}) bool {
			return t == "response.text.delta"
		},
		extract: func(c *TranscriptCollector, event map[string]interface{}, _ time.Time) []Turn {
			id, _ := event["response_id"].(string)
			delta, _ := event["delta"].(string)
			c.append(id, delta)
			return nil
		},
	},
	{
		match: func(t string, _ map[string]interface{}) bool {
			return t == "response.text.done"
		},
		extract: func(c *TranscriptCollector, event map[string]interface{}, now time.Time) []Turn {
			id, _ := event["response_id"].(string)
			text, _ := event["text"].(string)
			return c.finalize(id, RoleAssistant, text, now)
		},
	},
	{
		// Fallback: some responses only carry their transcript nested
		// in the final output items.
		match: func(t string, _ map[string]interface{}) bool {
			return t == "response.done"
		},
		extract: func(c *TranscriptCollector, event map[string]interface{}, now time.Time) []Turn {
			id, text := responseDoneTranscript(event)
			return c.finalize(id, RoleAssistant, text, now)
		},
	},
}

// Handle feeds one realtime event through the dispatch table.
func (c *TranscriptCollector) Handle(event map[string]interface{}, now time.Time) {
	eventType, _ := event["type"].(string)
	for _, route := range transcriptRoutes {
		if route.match(eventType, event) {
			route.extract(c, event, now)
			return
		}
	}
}

// AddTurn records an externally produced turn, e.g. the configured
// greeting spoken before any model transcript exists.
func (c *TranscriptCollector) AddTurn(role, text string, ts time.Time) {
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.push(role, text, ts)
}

// Drain removes and returns the buffered turns ordered by timestamp,
// with arrival order breaking ties.
func (c *TranscriptCollector) Drain() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.turns
	c.turns = nil
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].TS.Equal(out[j].TS) {
			return out[i].TS.Before(out[j].TS)
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// PendingTurns reports how many finished turns await draining.
func (c *TranscriptCollector) PendingTurns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

func (c *TranscriptCollector) append(id, delta string) {
	if id == "" || delta == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.partial[id]
	if !ok {
		b = &strings.Builder{}
		c.partial[id] = b
	}
	b.WriteString(delta)
}

// finalize closes the turn for id. An explicit text wins over any
// accumulated deltas; ids claimed once are never emitted twice.
func (c *TranscriptCollector) finalize(id, role, text string, now time.Time) []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id != "" && c.done[id] {
		return nil
	}
	if text == "" && id != "" {
		if b, ok := c.partial[id]; ok {
			text = b.String()
		}
	}
	if id != "" {
		delete(c.partial, id)
		c.done[id] = true
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	c.push(role, text, now)
	return []Turn{c.turns[len(c.turns)-1]}
}

func (c *TranscriptCollector) push(role, text string, ts time.Time) {
	c.nextSeq++
	c.turns = append(c.turns, Turn{Role: role, Text: text, TS: ts, seq: c.nextSeq})
}

// responseDoneTranscript digs the assistant transcript out of a
// response.done payload.
func responseDoneTranscript(event map[string]interface{}) (string, string) {
	response, _ := event["response"].(map[string]interface{})
	if response == nil {
		return "", ""
	}
	id, _ := response["id"].(string)
	output, _ := response["output"].([]interface{})
	var parts []string
	for _, itemAny := range output {
		item, _ := itemAny.(map[string]interface{})
		if item == nil || item["type"] != "message" {
			continue
		}
		content, _ := item["content"].([]interface{})
		for _, cAny := range content {
			c, _ := cAny.(map[string]interface{})
			if c == nil {
				continue
			}
			if t, _ := c["transcript"].(string); t != "" {
				parts = append(parts, t)
			} else if t, _ := c["text"].(string); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return id, strings.Join(parts, " ")
}
