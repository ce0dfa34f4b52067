package transport

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStartMessage(t *testing.T) {
	raw := `{
		"event": "start",
		"sequenceNumber": "1",
		"start": {
			"accountSid": "AC0000",
			"callSid": "CA1234",
			"streamSid": "MZ5678",
			"tracks": ["inbound"],
			"mediaFormat": {"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1},
			"customParameters": {"dialedNumber": "+15550100"}
		},
		"streamSid": "MZ5678"
	}`
	var msg TwilioMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	assert.Equal(t, TwilioEventStart, msg.Event)
	require.NotNil(t, msg.Start)
	assert.Equal(t, "CA1234", msg.Start.CallSid)
	assert.Equal(t, "MZ5678", msg.Start.StreamSid)
	assert.Equal(t, 8000, msg.Start.MediaFormat.SampleRate)
	assert.Equal(t, "+15550100", msg.Start.DialedNumber())
}

func TestDialedNumberFallback(t *testing.T) {
	s := &TwilioStart{CustomParameters: map[string]string{"to": "+15550199"}}
	assert.Equal(t, "+15550199", s.DialedNumber())
	assert.Empty(t, (&TwilioStart{}).DialedNumber())
}

func TestMediaAudioDecoding(t *testing.T) {
	m := &TwilioMedia{Payload: "f39/fw=="}
	audio, err := m.Audio()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x7F, 0x7F, 0x7F, 0x7F}, audio)

	_, err = (&TwilioMedia{Payload: "not base64!"}).Audio()
	assert.Error(t, err)
}
