package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Realtime API event types this service reacts to.
const (
	RealtimeEventSessionCreated         = "session.created"
	RealtimeEventSessionUpdated         = "session.updated"
	RealtimeEventSpeechStarted          = "input_audio_buffer.speech_started"
	RealtimeEventSpeechStopped          = "input_audio_buffer.speech_stopped"
	RealtimeEventInputCommitted         = "input_audio_buffer.committed"
	RealtimeEventInputTranscriptDelta   = "conversation.item.input_audio_transcription.delta"
	RealtimeEventInputTranscriptDone    = "conversation.item.input_audio_transcription.completed"
	RealtimeEventInputTranscriptFailed  = "conversation.item.input_audio_transcription.failed"
	RealtimeEventResponseCreated        = "response.created"
	RealtimeEventResponseAudioDelta     = "response.audio.delta"
	RealtimeEventResponseAudioDone      = "response.audio.done"
	RealtimeEventResponseTranscriptDone = "response.audio_transcript.done"
	RealtimeEventResponseTextDelta      = "response.text.delta"
	RealtimeEventResponseTextDone       = "response.text.done"
	RealtimeEventFunctionArgsDelta      = "response.function_call_arguments.delta"
	RealtimeEventFunctionArgsDone       = "response.function_call_arguments.done"
	RealtimeEventResponseDone           = "response.done"
	RealtimeEventError                  = "error"
)

// SessionOptions configures the model session for one call.
type SessionOptions struct {
	Voice              string
	Instructions       string
	Tools              []interface{}
	TranscriptionModel string
	VADThreshold       float64
	VADPrefixMs        int
	VADSilenceMs       int
}

// RealtimeClient is a write-serialized realtime API connection.
type RealtimeClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// DialRealtime opens a realtime websocket for the given model.
func DialRealtime(ctx context.Context, baseURL, apiKey, model string) (*RealtimeClient, error) {
	url := strings.TrimSuffix(baseURL, "/") + "/v1/realtime?model=" + model
	header := http.Header{}
	header.Set("Authorization", "Bearer "+apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial realtime API (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial realtime API: %w", err)
	}
	return &RealtimeClient{conn: conn}, nil
}

// SendEvent writes one client event.
func (c *RealtimeClient) SendEvent(event map[string]interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(event)
}

// ConfigureSession sends session.update with audio formats, voice,
// server turn detection and the tool schemas for this call.
func (c *RealtimeClient) ConfigureSession(opts SessionOptions) error {
	session := map[string]interface{}{
		"modalities":          []string{"text", "audio"},
		"voice":               opts.Voice,
		"input_audio_format":  "pcm16",
		"output_audio_format": "pcm16",
		"turn_detection": map[string]interface{}{
			"type":                "server_vad",
			"threshold":           opts.VADThreshold,
			"prefix_padding_ms":   opts.VADPrefixMs,
			"silence_duration_ms": opts.VADSilenceMs,
		},
	}
	if opts.Instructions != "" {
		session["instructions"] = opts.Instructions
	}
	if opts.TranscriptionModel != "" {
		session["input_audio_transcription"] = map[string]interface{}{
			"model": opts.TranscriptionModel,
		}
	}
	if len(opts.Tools) > 0 {
		session["tools"] = opts.Tools
		session["tool_choice"] = "auto"
	}
	return c.SendEvent(map[string]interface{}{
		"type":    "session.update",
		"session": session,
	})
}

// AppendAudio streams one chunk of 24kHz PCM16 into the input buffer.
func (c *RealtimeClient) AppendAudio(pcm []byte) error {
	return c.SendEvent(map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

// CommitAudio closes the current input buffer as one utterance.
func (c *RealtimeClient) CommitAudio() error {
	return c.SendEvent(map[string]interface{}{
		"type": "input_audio_buffer.commit",
	})
}

// CreateResponse asks the model to respond to the conversation so far.
func (c *RealtimeClient) CreateResponse() error {
	return c.SendEvent(map[string]interface{}{
		"type": "response.create",
	})
}

// CancelResponse aborts the in-flight response, if any.
func (c *RealtimeClient) CancelResponse() error {
	return c.SendEvent(map[string]interface{}{
		"type": "response.cancel",
	})
}

// SendFunctionResult returns a tool outcome to the conversation. The
// caller follows up with CreateResponse so the model speaks again.
func (c *RealtimeClient) SendFunctionResult(callID, output string) error {
	return c.SendEvent(map[string]interface{}{
		"type": "conversation.item.create",
		"item": map[string]interface{}{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
}

// ReadEvent blocks for the next server event.
func (c *RealtimeClient) ReadEvent() (map[string]interface{}, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var event map[string]interface{}
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to decode realtime event: %w", err)
	}
	return event, nil
}

// Close closes the underlying websocket.
func (c *RealtimeClient) Close() error {
	return c.conn.Close()
}
