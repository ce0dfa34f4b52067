package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CoraHQ/cora-voice-bridge/internal/audio"
	"github.com/CoraHQ/cora-voice-bridge/internal/config"
	"github.com/CoraHQ/cora-voice-bridge/internal/tool"
	"github.com/CoraHQ/cora-voice-bridge/internal/transport"
	"github.com/CoraHQ/cora-voice-bridge/pkg/logger"
	"github.com/CoraHQ/cora-voice-bridge/pkg/tenantcfg"
	"go.uber.org/zap"
)

// State is the lifecycle phase of a call session.
type State string

const (
	StateConnecting     State = "CONNECTING"
	StateEstablishingAI State = "ESTABLISHING_AI"
	StateActive         State = "ACTIVE"
	StateClosing        State = "CLOSING"
	StateClosed         State = "CLOSED"
)

// TelephonySender is the outbound surface of the telephony leg.
type TelephonySender interface {
	SendMedia(streamSid string, ulaw []byte) error
	SendClear(streamSid string) error
	SendMark(streamSid, name string) error
}

// RealtimeConn is the model leg as the session uses it.
type RealtimeConn interface {
	ConfigureSession(opts transport.SessionOptions) error
	AppendAudio(pcm []byte) error
	CommitAudio() error
	CreateResponse() error
	CancelResponse() error
	SendFunctionResult(callID, output string) error
	ReadEvent() (map[string]interface{}, error)
	Close() error
}

// Recorder receives everything about the call worth keeping: the call
// record itself, turns, tool activity, status changes, and the final
// summary request. Implementations must never block the session for
// long; failures are logged, not surfaced to the caller.
type Recorder interface {
	Start(ctx context.Context, providerCallID, from, to string) error
	RecordTurn(role, text string, ts time.Time)
	RecordToolCall(name string, args map[string]interface{})
	RecordToolResult(name string, ok bool, code string)
	RecordStatus(status string)
	Finish(ctx context.Context)
}

// Options wires one call session.
type Options struct {
	Tuning    *config.Tuning
	Tenant    *tenantcfg.TenantConfig
	Telephony TelephonySender

	// DialAI opens a fresh model connection. Called once at start and
	// once more on a mid-call reconnect attempt.
	DialAI func(ctx context.Context) (RealtimeConn, error)

	Registry *tool.Registry
	Executor tool.ExecutorFunc
	Recorder Recorder

	// Transfer hands the live call to a human. Fired on unrecoverable
	// model failure and by the transfer tool.
	Transfer func(ctx context.Context, providerCallID, reason string) error

	// OnClosed runs exactly once after teardown finishes.
	OnClosed func(providerCallID string)
}

// CallSession bridges one phone call to one model conversation. A
// single goroutine owns all mutable state; both websocket legs and
// every timer deliver into its inbox, so no field below needs a lock.
type CallSession struct {
	opts   Options
	tuning *config.Tuning

	inbox  chan func()
	stopCh chan struct{}
	once   sync.Once

	state       State        // actor-goroutine view
	stateSnap   atomic.Value // State, for readers off the actor goroutine
	callSid     string
	streamSid   string
	from        string
	dialed      string
	startedAt   time.Time
	mediaFrames int64

	gain        *audio.GainControl
	segmenter   *Segmenter
	pacer       *Pacer
	transcripts *TranscriptCollector
	coordinator *tool.Coordinator

	ai          RealtimeConn
	aiGen       int  // bumped on reconnect so stale pump errors are ignored
	reconnected bool // one mid-call reconnect, then transfer

	assistantSpeaking bool
	speakingResponse  string
	executedCalls     map[string]bool
	persistReady      bool

	maxCallTimer *time.Timer
	silenceTimer *time.Timer
}

// New returns a session in CONNECTING, ready to receive the stream
// start message. Run must be called before Deliver.
func New(opts Options) *CallSession {
	tuning := opts.Tuning
	if tuning == nil {
		tuning = config.DefaultTuning()
	}
	s := &CallSession{
		opts:          opts,
		tuning:        tuning,
		inbox:         make(chan func(), 256),
		stopCh:        make(chan struct{}),
		gain:          audio.NewGainControl(tuning.TargetRMS),
		segmenter:     NewSegmenter(tuning),
		transcripts:   NewTranscriptCollector(),
		executedCalls: make(map[string]bool),
		startedAt:     time.Now(),
	}
	// Successful side-effecting tools are announced off the result
	// path; the model reply never waits on the dashboard.
	notify := func(name string, args, result map[string]interface{}) {
		if opts.Recorder != nil {
			opts.Recorder.RecordToolCall(name, args)
		}
	}
	s.coordinator = tool.NewCoordinator(opts.Registry, opts.Executor, notify, tuning.ToolRatePerSecond, tuning.ToolTimeout)
	s.setState(StateConnecting)
	return s
}

// setState must only be called from the session goroutine (or before
// Run starts); it also publishes a snapshot for outside readers.
func (s *CallSession) setState(state State) {
	s.state = state
	s.stateSnap.Store(state)
}

// Run consumes the inbox until teardown completes.
func (s *CallSession) Run() {
	for {
		select {
		case fn := <-s.inbox:
			fn()
		case <-s.stopCh:
			// Drain whatever teardown left behind, then exit.
			for {
				select {
				case fn := <-s.inbox:
					fn()
				default:
					return
				}
			}
		}
	}
}

// post hands a closure to the session goroutine. Posts after close
// are dropped.
func (s *CallSession) post(fn func()) {
	select {
	case <-s.stopCh:
	case s.inbox <- fn:
	}
}

// State returns a snapshot of the lifecycle phase, safe to read from
// any goroutine.
func (s *CallSession) State() State {
	return s.stateSnap.Load().(State)
}

// CallSid returns the provider call id once the stream started.
func (s *CallSession) CallSid() string {
	return s.callSid
}

// Deliver routes one telephony message into the session.
func (s *CallSession) Deliver(msg *transport.TwilioMessage) {
	switch msg.Event {
	case transport.TwilioEventStart:
		start := msg.Start
		s.post(func() { s.handleStart(start) })
	case transport.TwilioEventMedia:
		media := msg.Media
		s.post(func() { s.handleMedia(media) })
	case transport.TwilioEventMark:
		name := ""
		if msg.Mark != nil {
			name = msg.Mark.Name
		}
		s.post(func() { s.handleMarkEcho(name) })
	case transport.TwilioEventStop:
		s.post(func() { s.teardown("caller hung up") })
	}
}

// TelephonyGone signals that the media stream read loop ended.
func (s *CallSession) TelephonyGone(err error) {
	s.post(func() { s.teardown("media stream closed") })
}

// Close tears the session down from outside, e.g. server shutdown or
// a cross-pod cleanup broadcast.
func (s *CallSession) Close(reason string) {
	s.post(func() { s.teardown(reason) })
}

func (s *CallSession) handleStart(start *transport.TwilioStart) {
	if start == nil || s.state != StateConnecting {
		return
	}
	s.callSid = start.CallSid
	s.streamSid = start.StreamSid
	s.dialed = start.DialedNumber()
	if start.CustomParameters != nil {
		s.from = start.CustomParameters["from"]
	}
	s.setState(StateEstablishingAI)

	logger.Base().Info("Media stream started",
		zap.String("call_sid", s.callSid),
		zap.String("stream_sid", s.streamSid),
		zap.String("dialed", s.dialed),
		zap.String("tenant", s.opts.Tenant.TenantID))

	s.pacer = NewPacer(PacerOptions{
		CallID:        s.callSid,
		FrameBytes:    s.tuning.FrameSamples,
		FrameInterval: s.tuning.FrameInterval,
		MarkEvery:     s.tuning.MarkEvery,
		WriteFrame:    func(ulaw []byte) error { return s.opts.Telephony.SendMedia(s.streamSid, ulaw) },
		WriteClear:    func() error { return s.opts.Telephony.SendClear(s.streamSid) },
		WriteMark:     func(name string) error { return s.opts.Telephony.SendMark(s.streamSid, name) },
	})
	s.pacer.Start()

	if err := s.establishAI(true); err != nil {
		logger.Base().Error("Failed to establish model session",
			zap.String("call_sid", s.callSid),
			zap.Error(err))
		s.transferToHuman("model session could not be established")
		s.teardown("model setup failed")
		return
	}

	s.setState(StateActive)
	s.armTimers()

	// Call record creation happens off the actor; media keeps flowing
	// while the dashboard catches up. Turns buffer until then.
	if s.opts.Recorder != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.opts.Recorder.Start(ctx, s.callSid, s.from, s.dialed); err != nil {
				logger.Base().Error("Failed to create call record",
					zap.String("call_sid", s.callSid),
					zap.Error(err))
				return
			}
			s.post(func() {
				s.persistReady = true
				s.drainTranscripts()
				if s.opts.Recorder != nil {
					s.opts.Recorder.RecordStatus("active")
				}
			})
		}()
	}
}

// establishAI dials and configures the model leg and starts its read
// pump. greet asks for the opening line; reconnects suppress it.
func (s *CallSession) establishAI(greet bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ai, err := s.opts.DialAI(ctx)
	if err != nil {
		return fmt.Errorf("failed to dial model: %w", err)
	}

	sessionOpts := transport.SessionOptions{
		Voice:              s.opts.Tenant.Voice,
		Instructions:       s.opts.Tenant.Instructions(),
		TranscriptionModel: "whisper-1",
		VADThreshold:       s.tuning.VADThreshold,
		VADPrefixMs:        int(s.tuning.VADPrefixPadding / time.Millisecond),
		VADSilenceMs:       int(s.tuning.VADSilenceHangover / time.Millisecond),
	}
	if s.opts.Registry != nil {
		sessionOpts.Tools = s.opts.Registry.Definitions()
	}
	if err := ai.ConfigureSession(sessionOpts); err != nil {
		ai.Close()
		return fmt.Errorf("failed to configure model session: %w", err)
	}

	s.ai = ai
	s.aiGen++
	gen := s.aiGen
	go s.pumpAI(ai, gen)

	if greet {
		if err := ai.CreateResponse(); err != nil {
			logger.Base().Warn("Failed to request greeting",
				zap.String("call_sid", s.callSid),
				zap.Error(err))
		} else if greeting := s.opts.Tenant.Greeting(); greeting != "" {
			s.transcripts.AddTurn(RoleAssistant, greeting, time.Now())
		}
	}
	return nil
}

// pumpAI moves model events onto the session goroutine.
func (s *CallSession) pumpAI(ai RealtimeConn, gen int) {
	for {
		event, err := ai.ReadEvent()
		if err != nil {
			s.post(func() { s.handleAIDisconnect(gen, err) })
			return
		}
		s.post(func() { s.handleAIEvent(event) })
	}
}

func (s *CallSession) handleMedia(media *transport.TwilioMedia) {
	if media == nil || s.state != StateActive {
		return
	}
	// Half-duplex: while the assistant is speaking the caller's echo
	// and back-channel noise are dropped outright, never buffered.
	if s.assistantSpeaking {
		return
	}
	raw, err := media.Audio()
	if err != nil {
		logger.Base().Debug("Dropping undecodable media frame",
			zap.String("call_sid", s.callSid),
			zap.Error(err))
		return
	}
	s.mediaFrames++

	pcm := s.gain.Apply(audio.Decode(raw))
	if s.segmenter.Voiced(pcm) {
		s.resetSilenceTimer()
	}
	if utterance := s.segmenter.Push(pcm, time.Now()); utterance != nil {
		s.commitUtterance(utterance)
	}
}

// commitUtterance ships one finished caller utterance to the model as
// a single append and commit.
func (s *CallSession) commitUtterance(pcm []int16) {
	if s.ai == nil {
		return
	}
	upsampled := audio.Resample(pcm, audio.TelephonyRate, audio.ModelRate)
	if err := s.ai.AppendAudio(audio.PCMToBytes(upsampled)); err != nil {
		logger.Base().Warn("Failed to append caller audio",
			zap.String("call_sid", s.callSid),
			zap.Error(err))
		return
	}
	if err := s.ai.CommitAudio(); err != nil {
		// Server-side turn detection may have committed already; the
		// duplicate commit is rejected and that is fine.
		logger.Base().Debug("Commit rejected",
			zap.String("call_sid", s.callSid),
			zap.Error(err))
	}
}

func (s *CallSession) handleMarkEcho(name string) {
	// The echo proves the caller heard everything up to the mark.
	logger.Base().Debug("Playout mark reached",
		zap.String("call_sid", s.callSid),
		zap.String("mark", name))
}

func (s *CallSession) handleAIEvent(event map[string]interface{}) {
	if s.state != StateActive && s.state != StateEstablishingAI {
		return
	}
	eventType, ok := event["type"].(string)
	if !ok {
		return
	}

	s.transcripts.Handle(event, time.Now())
	if s.persistReady {
		s.drainTranscripts()
	}

	switch eventType {
	case transport.RealtimeEventSpeechStarted:
		s.handleBargeIn()

	case transport.RealtimeEventResponseAudioDelta:
		s.handleAudioDelta(event)

	case transport.RealtimeEventResponseAudioDone:
		s.assistantSpeaking = false
		s.speakingResponse = ""

	case transport.RealtimeEventFunctionArgsDelta:
		callID, _ := event["call_id"].(string)
		delta, _ := event["delta"].(string)
		s.coordinator.AppendFragment(callID, delta)

	case transport.RealtimeEventFunctionArgsDone:
		callID, _ := event["call_id"].(string)
		name, _ := event["name"].(string)
		args, _ := event["arguments"].(string)
		s.startFunctionCall(callID, name, args)

	case transport.RealtimeEventResponseDone:
		// Safety net: whatever happened to the audio done event, the
		// response is over, so the caller may speak again.
		s.assistantSpeaking = false
		s.speakingResponse = ""
		s.handleResponseDoneFunctionCalls(event)
		s.resetSilenceTimer()

	case transport.RealtimeEventInputTranscriptFailed:
		logger.Base().Warn("Caller transcription failed",
			zap.String("call_sid", s.callSid))

	case transport.RealtimeEventError:
		s.handleAIError(event)
	}
}

func (s *CallSession) handleAudioDelta(event map[string]interface{}) {
	payload, _ := event["delta"].(string)
	if payload == "" {
		return
	}
	responseID, _ := event["response_id"].(string)
	if !s.assistantSpeaking || (responseID != "" && responseID != s.speakingResponse) {
		// First audio of a new assistant turn: wipe whatever stale
		// audio is still queued before the new words start.
		s.pacer.BeginUtterance()
		s.assistantSpeaking = true
		s.speakingResponse = responseID
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		logger.Base().Debug("Dropping undecodable model audio",
			zap.String("call_sid", s.callSid),
			zap.Error(err))
		return
	}
	pcm := audio.PCMFromBytes(raw)
	downsampled := audio.Resample(pcm, audio.ModelRate, audio.TelephonyRate)
	s.pacer.Push(audio.Encode(downsampled))
}

// handleBargeIn fires on model speech detection while assistant audio
// is still queued or playing. Playout stops immediately on our side;
// model confirmation is not awaited.
func (s *CallSession) handleBargeIn() {
	s.resetSilenceTimer()
	if !s.assistantSpeaking && s.pacer.QueuedFrames() == 0 {
		return
	}
	logger.Base().Info("Caller barge-in, cutting assistant audio",
		zap.String("call_sid", s.callSid))

	if err := s.opts.Telephony.SendClear(s.streamSid); err != nil {
		logger.Base().Debug("Failed to clear provider playout",
			zap.String("call_sid", s.callSid),
			zap.Error(err))
	}
	s.pacer.Clear()
	s.assistantSpeaking = false
	s.speakingResponse = ""
	if s.ai != nil {
		if err := s.ai.CancelResponse(); err != nil {
			logger.Base().Debug("Failed to cancel response",
				zap.String("call_sid", s.callSid),
				zap.Error(err))
		}
	}
}

// startFunctionCall runs the tool off the session goroutine and posts
// the result back for delivery.
func (s *CallSession) startFunctionCall(correlationID, name, args string) {
	if correlationID == "" || s.executedCalls[correlationID] {
		return
	}
	s.executedCalls[correlationID] = true

	logger.Base().Info("Function call received",
		zap.String("call_sid", s.callSid),
		zap.String("tool", name),
		zap.String("correlation_id", correlationID))

	coordinator := s.coordinator
	go func() {
		result := coordinator.Complete(context.Background(), correlationID, name, args)
		s.post(func() { s.finishFunctionCall(correlationID, name, result) })
	}()
}

func (s *CallSession) finishFunctionCall(correlationID, name string, result *tool.Result) {
	if s.opts.Recorder != nil {
		s.opts.Recorder.RecordToolResult(name, result.OK, result.Code)
	}
	if s.state != StateActive || s.ai == nil {
		return
	}
	if err := s.ai.SendFunctionResult(correlationID, result.Output); err != nil {
		logger.Base().Warn("Failed to send function result",
			zap.String("call_sid", s.callSid),
			zap.Error(err))
		return
	}
	// Keep the conversation moving whether the tool worked or not.
	if err := s.ai.CreateResponse(); err != nil {
		logger.Base().Warn("Failed to continue after function result",
			zap.String("call_sid", s.callSid),
			zap.Error(err))
	}

	if result.OK && name == tool.ToolNameTransferToHuman {
		s.transferToHuman("caller requested a human agent")
	}
}

// handleResponseDoneFunctionCalls catches function calls only present
// in the final response output, e.g. when the argument stream events
// were missed.
func (s *CallSession) handleResponseDoneFunctionCalls(event map[string]interface{}) {
	response, _ := event["response"].(map[string]interface{})
	if response == nil {
		return
	}
	output, _ := response["output"].([]interface{})
	for _, itemAny := range output {
		item, _ := itemAny.(map[string]interface{})
		if item == nil || item["type"] != "function_call" {
			continue
		}
		callID, _ := item["call_id"].(string)
		name, _ := item["name"].(string)
		args, _ := item["arguments"].(string)
		s.startFunctionCall(callID, name, args)
	}
}

func (s *CallSession) handleAIError(event map[string]interface{}) {
	errorData, _ := event["error"].(map[string]interface{})
	message := ""
	code := ""
	if errorData != nil {
		message, _ = errorData["message"].(string)
		code, _ = errorData["code"].(string)
	}
	logger.Base().Error("Model error event",
		zap.String("call_sid", s.callSid),
		zap.String("code", code),
		zap.String("message", message))
}

// handleAIDisconnect handles the model leg dying mid-call: one
// reconnect attempt with a fresh session, then transfer and teardown.
func (s *CallSession) handleAIDisconnect(gen int, err error) {
	if gen != s.aiGen || s.state == StateClosing || s.state == StateClosed {
		return
	}
	logger.Base().Warn("Model connection lost",
		zap.String("call_sid", s.callSid),
		zap.Error(err))

	if s.ai != nil {
		s.ai.Close()
		s.ai = nil
	}

	// The dead connection can never deliver the audio completion event,
	// so the half-duplex gate must open here and its leftover audio is
	// stale.
	s.assistantSpeaking = false
	s.speakingResponse = ""
	if s.pacer != nil {
		s.pacer.Clear()
	}

	if !s.reconnected {
		s.reconnected = true
		if rerr := s.establishAI(false); rerr == nil {
			logger.Base().Info("Model session re-established",
				zap.String("call_sid", s.callSid))
			if s.opts.Recorder != nil {
				s.opts.Recorder.RecordStatus("model_reconnected")
			}
			return
		}
	}

	s.transferToHuman("model connection lost")
	s.teardown("model connection lost")
}

func (s *CallSession) transferToHuman(reason string) {
	if s.opts.Transfer == nil {
		return
	}
	callSid := s.callSid
	transfer := s.opts.Transfer
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := transfer(ctx, callSid, reason); err != nil {
			logger.Base().Error("Human transfer failed",
				zap.String("call_sid", callSid),
				zap.Error(err))
		}
	}()
	if s.opts.Recorder != nil {
		s.opts.Recorder.RecordStatus("transferred")
	}
}

func (s *CallSession) drainTranscripts() {
	if s.opts.Recorder == nil {
		return
	}
	for _, turn := range s.transcripts.Drain() {
		s.opts.Recorder.RecordTurn(turn.Role, turn.Text, turn.TS)
	}
}

func (s *CallSession) armTimers() {
	s.maxCallTimer = time.AfterFunc(s.tuning.MaxCallDuration, func() {
		s.post(func() { s.teardown("max call duration reached") })
	})
	s.silenceTimer = time.AfterFunc(s.tuning.SilenceHangup, func() {
		s.post(func() { s.teardown("caller silent too long") })
	})
}

func (s *CallSession) resetSilenceTimer() {
	if s.silenceTimer != nil {
		s.silenceTimer.Reset(s.tuning.SilenceHangup)
	}
}

// teardown closes everything exactly once; repeated calls are no-ops.
func (s *CallSession) teardown(reason string) {
	if s.state == StateClosing || s.state == StateClosed {
		return
	}
	s.setState(StateClosing)

	logger.Base().Info("Tearing down session",
		zap.String("call_sid", s.callSid),
		zap.String("reason", reason),
		zap.Int64("media_frames", s.mediaFrames),
		zap.Duration("duration", time.Since(s.startedAt)))

	if s.maxCallTimer != nil {
		s.maxCallTimer.Stop()
	}
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
	}

	// Trailing caller audio still counts as part of the conversation.
	if utterance := s.segmenter.Flush(); utterance != nil {
		s.commitUtterance(utterance)
	}
	if s.pacer != nil {
		s.pacer.Flush()
		s.pacer.Stop()
	}

	if s.ai != nil {
		s.aiGen++ // orphan the pump so its error is ignored
		s.ai.Close()
		s.ai = nil
	}

	s.drainTranscripts()
	if s.opts.Recorder != nil {
		recorder := s.opts.Recorder
		recorder.RecordStatus("ended: " + reason)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			recorder.Finish(ctx)
		}()
	}

	s.setState(StateClosed)
	if s.opts.OnClosed != nil {
		s.opts.OnClosed(s.callSid)
	}
	s.once.Do(func() { close(s.stopCh) })
}
