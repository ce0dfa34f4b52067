// Package transport wraps the two websocket legs of a call: the
// telephony media stream and the realtime model connection. Both
// wrappers serialize writes; reads stay on the caller's goroutine.
package transport

import (
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Telephony media stream event names.
const (
	TwilioEventConnected = "connected"
	TwilioEventStart     = "start"
	TwilioEventMedia     = "media"
	TwilioEventMark      = "mark"
	TwilioEventStop      = "stop"
	TwilioEventClear     = "clear"
)

// TwilioMessage is one framed JSON message on the media stream, in
// either direction. Only the fields for the named event are set.
type TwilioMessage struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSid      string       `json:"streamSid,omitempty"`
	Start          *TwilioStart `json:"start,omitempty"`
	Media          *TwilioMedia `json:"media,omitempty"`
	Mark           *TwilioMark  `json:"mark,omitempty"`
	Stop           *TwilioStop  `json:"stop,omitempty"`
}

// TwilioStart carries the stream metadata of the first message.
type TwilioStart struct {
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	StreamSid        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      TwilioMediaFormat `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

// DialedNumber returns the called number forwarded through the stream
// custom parameters.
func (s *TwilioStart) DialedNumber() string {
	if s.CustomParameters == nil {
		return ""
	}
	if to := s.CustomParameters["dialedNumber"]; to != "" {
		return to
	}
	return s.CustomParameters["to"]
}

type TwilioMediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// TwilioMedia carries one base64 mu-law frame.
type TwilioMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// Audio decodes the frame payload.
func (m *TwilioMedia) Audio() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode media payload: %w", err)
	}
	return b, nil
}

type TwilioMark struct {
	Name string `json:"name"`
}

type TwilioStop struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

// TelephonyConn is a write-serialized media stream connection.
type TelephonyConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewTelephonyConn wraps an upgraded media stream websocket.
func NewTelephonyConn(conn *websocket.Conn) *TelephonyConn {
	return &TelephonyConn{conn: conn}
}

// ReadMessage blocks for the next inbound stream message.
func (c *TelephonyConn) ReadMessage() (*TwilioMessage, error) {
	var msg TwilioMessage
	if err := c.conn.ReadJSON(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *TelephonyConn) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// SendMedia sends one mu-law frame to the caller.
func (c *TelephonyConn) SendMedia(streamSid string, ulaw []byte) error {
	return c.writeJSON(&TwilioMessage{
		Event:     TwilioEventMedia,
		StreamSid: streamSid,
		Media:     &TwilioMedia{Payload: base64.StdEncoding.EncodeToString(ulaw)},
	})
}

// SendClear drops any audio the provider still has queued for playout.
func (c *TelephonyConn) SendClear(streamSid string) error {
	return c.writeJSON(&TwilioMessage{
		Event:     TwilioEventClear,
		StreamSid: streamSid,
	})
}

// SendMark asks the provider to echo the mark once playout reaches it.
func (c *TelephonyConn) SendMark(streamSid, name string) error {
	return c.writeJSON(&TwilioMessage{
		Event:     TwilioEventMark,
		StreamSid: streamSid,
		Mark:      &TwilioMark{Name: name},
	})
}

// Close closes the underlying websocket.
func (c *TelephonyConn) Close() error {
	return c.conn.Close()
}
