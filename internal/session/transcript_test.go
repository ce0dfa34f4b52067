package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscriptInputCompleted(t *testing.T) {
	c := NewTranscriptCollector()
	now := time.Now()

	c.Handle(map[string]interface{}{
		"type":       "conversation.item.input_audio_transcription.completed",
		"item_id":    "item_1",
		"transcript": "I want to see houses in Greenview",
	}, now)

	turns := c.Drain()
	require.Len(t, turns, 1)
	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Equal(t, "I want to see houses in Greenview", turns[0].Text)
}

func TestTranscriptDeltasClosedByDone(t *testing.T) {
	c := NewTranscriptCollector()
	now := time.Now()

	c.Handle(map[string]interface{}{"type": "response.text.delta", "response_id": "resp_1", "delta": "We have "}, now)
	c.Handle(map[string]interface{}{"type": "response.text.delta", "response_id": "resp_1", "delta": "three listings."}, now)
	assert.Equal(t, 0, c.PendingTurns())

	// Done without explicit text falls back to the joined deltas.
	c.Handle(map[string]interface{}{"type": "response.text.done", "response_id": "resp_1"}, now)

	turns := c.Drain()
	require.Len(t, turns, 1)
	assert.Equal(t, RoleAssistant, turns[0].Role)
	assert.Equal(t, "We have three listings.", turns[0].Text)
}

func TestTranscriptExplicitTextWinsOverDeltas(t *testing.T) {
	c := NewTranscriptCollector()
	now := time.Now()

	c.Handle(map[string]interface{}{"type": "response.text.delta", "response_id": "resp_1", "delta": "partial"}, now)
	c.Handle(map[string]interface{}{"type": "response.text.done", "response_id": "resp_1", "text": "the full sentence"}, now)

	turns := c.Drain()
	require.Len(t, turns, 1)
	assert.Equal(t, "the full sentence", turns[0].Text)
}

func TestTranscriptDedupesById(t *testing.T) {
	c := NewTranscriptCollector()
	now := time.Now()

	c.Handle(map[string]interface{}{
		"type":        "response.audio_transcript.done",
		"response_id": "resp_1",
		"transcript":  "Hello there",
	}, now)
	// The same response surfacing again through the fallback path must
	// not produce a second turn.
	c.Handle(map[string]interface{}{
		"type": "response.done",
		"response": map[string]interface{}{
			"id": "resp_1",
			"output": []interface{}{
				map[string]interface{}{
					"type": "message",
					"content": []interface{}{
						map[string]interface{}{"transcript": "Hello there"},
					},
				},
			},
		},
	}, now.Add(time.Second))

	assert.Equal(t, 1, c.PendingTurns())
}

func TestTranscriptResponseDoneFallback(t *testing.T) {
	c := NewTranscriptCollector()
	now := time.Now()

	c.Handle(map[string]interface{}{
		"type": "response.done",
		"response": map[string]interface{}{
			"id": "resp_9",
			"output": []interface{}{
				map[string]interface{}{
					"type": "message",
					"content": []interface{}{
						map[string]interface{}{"transcript": "First part."},
						map[string]interface{}{"text": "Second part."},
					},
				},
				map[string]interface{}{"type": "function_call", "name": "search_properties"},
			},
		},
	}, now)

	turns := c.Drain()
	require.Len(t, turns, 1)
	assert.Equal(t, RoleAssistant, turns[0].Role)
	assert.Equal(t, "First part. Second part.", turns[0].Text)
}

func TestTranscriptEmptyTurnsDropped(t *testing.T) {
	c := NewTranscriptCollector()
	now := time.Now()

	c.Handle(map[string]interface{}{
		"type":       "conversation.item.input_audio_transcription.completed",
		"item_id":    "item_1",
		"transcript": "   ",
	}, now)
	c.Handle(map[string]interface{}{"type": "response.done", "response": map[string]interface{}{"id": "resp_1"}}, now)

	assert.Equal(t, 0, c.PendingTurns())
}

func TestTranscriptDrainOrdersByTimestamp(t *testing.T) {
	c := NewTranscriptCollector()
	t0 := time.Now()

	// The assistant reply finalizes first; the user transcription for
	// the earlier utterance arrives late with its original timestamp.
	c.Handle(map[string]interface{}{
		"type":        "response.audio_transcript.done",
		"response_id": "resp_1",
		"transcript":  "Greenview has three houses available.",
	}, t0.Add(2*time.Second))
	c.Handle(map[string]interface{}{
		"type":       "conversation.item.input_audio_transcription.completed",
		"item_id":    "item_1",
		"transcript": "Any houses in Greenview?",
	}, t0.Add(time.Second))

	turns := c.Drain()
	require.Len(t, turns, 2)
	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Equal(t, RoleAssistant, turns[1].Role)
}

func TestTranscriptDrainBreaksTiesByArrival(t *testing.T) {
	c := NewTranscriptCollector()
	ts := time.Now()

	c.AddTurn(RoleAssistant, "first", ts)
	c.AddTurn(RoleUser, "second", ts)

	turns := c.Drain()
	require.Len(t, turns, 2)
	assert.Equal(t, "first", turns[0].Text)
	assert.Equal(t, "second", turns[1].Text)
	assert.Equal(t, 0, c.PendingTurns())
}

func TestTranscriptAddTurnIgnoresEmpty(t *testing.T) {
	c := NewTranscriptCollector()
	c.AddTurn(RoleAssistant, "", time.Now())
	assert.Equal(t, 0, c.PendingTurns())
}
