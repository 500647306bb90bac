// Package bridge implements the Media Bridge: a full-duplex relay between a
// carrier media websocket (8 kHz PCMU, 20 ms frames) and a cloud realtime
// model websocket, translating model events into session-store mutations
// and implementing barge-in (user-speech interruption of assistant
// playback).
//
// Concurrency follows the same shape as a single-session voice engine: a
// mutex guards the bridge's small set of cross-goroutine fields, blocking
// I/O is never performed while that mutex is held, and a done channel,
// closed exactly once when Run returns, stops the carrier reader goroutine.
package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/vignesh-oai/ClassPulse/internal/audiolevel"
	"github.com/vignesh-oai/ClassPulse/internal/bridge/carrierclient"
	"github.com/vignesh-oai/ClassPulse/internal/bridge/modelclient"
	"github.com/vignesh-oai/ClassPulse/internal/callerr"
	"github.com/vignesh-oai/ClassPulse/internal/observe"
	"github.com/vignesh-oai/ClassPulse/internal/sessionstore"
)

// State is the bridge's own local lifecycle, independent of the session's
// status in the store.
type State int

const (
	StateAwaitingStart State = iota
	StateBound
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingStart:
		return "awaiting-start"
	case StateBound:
		return "bound"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// BindTimeout is how long the bridge waits for a carrier start event (either
// carrying the session id directly, or resolvable via the carrier-call-id
// reverse index) before closing the carrier socket with 1008.
const BindTimeout = 10 * time.Second

// ModelDialer dials the realtime model endpoint. Abstracted so tests can
// substitute a fake without opening a real websocket.
type ModelDialer func(ctx context.Context, cfg modelclient.Config) (*modelclient.Conn, error)

// Config bundles the bridge's static configuration.
type Config struct {
	// SessionID binds the bridge to a session already known at accept time.
	// Leave empty to resolve it from the carrier start event: first its
	// sessionId custom parameter, then the carrier call id reverse index.
	SessionID string

	ModelConfig    modelclient.Config
	PromptTemplate string
	PromptDefaults PromptDefaults

	Cadence int     // K-th frame sampling interval, audiolevel.DefaultCadence if zero
	Gain    float64 // audiolevel.DefaultGain if zero

	Dial ModelDialer

	// Metrics records bridge-level counters (barge-ins, unrecoverable
	// errors). Defaults to [observe.DefaultMetrics] when nil.
	Metrics *observe.Metrics

	// bindTimeout overrides BindTimeout; zero means use BindTimeout. Exists
	// so tests can exercise the bind-timeout path without waiting out the
	// real production window.
	bindTimeout time.Duration
}

// Bridge owns one call's carrier↔model relay for its lifetime.
type Bridge struct {
	store   *sessionstore.Store
	carrier *carrierclient.Conn
	cfg     Config

	mu        sync.Mutex
	state     State
	sessionID string
	streamSid string

	model *modelclient.Conn

	// assistant playback tracking, for barge-in's "what did the listener
	// actually hear" estimate.
	activeResponseID   string
	activeItemID       string
	activeContentIndex int
	sentMs             int
	playbackStarted    time.Time

	pendingControl map[string]struct{}

	cadenceRecipient *audiolevel.Cadence
	cadenceAssistant *audiolevel.Cadence

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Bridge for an already-accepted carrier websocket connection.
func New(store *sessionstore.Store, carrier *carrierclient.Conn, cfg Config) *Bridge {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Bridge{
		store:            store,
		carrier:          carrier,
		cfg:              cfg,
		state:            StateAwaitingStart,
		sessionID:        cfg.SessionID,
		pendingControl:   make(map[string]struct{}),
		cadenceRecipient: audiolevel.NewCadence(cfg.Cadence),
		cadenceAssistant: audiolevel.NewCadence(cfg.Cadence),
		done:             make(chan struct{}),
	}
}

// Run drives the bridge until either side closes or ctx is cancelled. It
// blocks until the bridge reaches StateClosed.
func (b *Bridge) Run(ctx context.Context) {
	defer b.finish()

	carrierMsgs := make(chan *carrierclient.Message)
	carrierErrs := make(chan error, 1)
	go func() {
		for {
			msg, err := b.carrier.ReadMessage(ctx)
			if err != nil {
				var parseErr *callerr.ParseError
				if errors.As(err, &parseErr) {
					slog.Debug("bridge: dropping malformed carrier frame", "err", parseErr)
					continue
				}
				carrierErrs <- err
				return
			}
			select {
			case carrierMsgs <- msg:
			case <-b.done:
				return
			}
		}
	}()

	bindTimeout := b.cfg.bindTimeout
	if bindTimeout == 0 {
		bindTimeout = BindTimeout
	}
	bindTimer := time.NewTimer(bindTimeout)
	defer bindTimer.Stop()

	var modelEvents <-chan modelclient.ServerEvent

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				b.mu.Lock()
				sessionID := b.sessionID
				b.mu.Unlock()
				if sessionID != "" {
					_ = b.store.UpdateStatus(sessionID, sessionstore.StatusFailed, "max duration exceeded")
				}
				b.closeBoth(websocket.StatusGoingAway, "max call duration exceeded", "")
				return
			}
			b.closeBoth(websocket.StatusNormalClosure, "server shutting down", "")
			return

		case <-bindTimer.C:
			if b.getState() == StateAwaitingStart {
				slog.Warn("bridge: no carrier start within bind timeout, closing")
				b.carrier.Close(websocket.StatusPolicyViolation, "missing session binding")
				return
			}

		case msg, ok := <-carrierMsgs:
			if !ok {
				continue
			}
			if err := b.handleCarrierMessage(ctx, msg, bindTimer); err != nil {
				slog.Warn("bridge: carrier message handling error", "err", err)
			}
			if b.getState() == StateActive && modelEvents == nil {
				b.mu.Lock()
				if b.model != nil {
					modelEvents = b.model.Events()
				}
				b.mu.Unlock()
			}

		case err := <-carrierErrs:
			b.handleCarrierClose(err)
			return

		case evt, ok := <-modelEvents:
			if !ok {
				b.handleModelClose()
				return
			}
			b.handleModelEvent(ctx, evt)
		}
	}
}

func (b *Bridge) getState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// handleCarrierMessage implements the forwarding contract's carrier-event
// cases: start (bind), media (forward + level sampling), stop (terminate).
func (b *Bridge) handleCarrierMessage(ctx context.Context, msg *carrierclient.Message, bindTimer *time.Timer) error {
	switch msg.Event {
	case "start":
		return b.handleStart(ctx, msg, bindTimer)

	case "media":
		return b.handleMedia(ctx, msg)

	case "stop":
		b.handleStop(msg)
		return nil

	default:
		slog.Debug("bridge: ignoring unrecognized carrier event", "event", msg.Event)
		return nil
	}
}

func (b *Bridge) handleStart(ctx context.Context, msg *carrierclient.Message, bindTimer *time.Timer) error {
	b.mu.Lock()
	if b.state != StateAwaitingStart {
		b.mu.Unlock()
		return nil
	}

	sessionID := b.sessionID
	if sessionID == "" && msg.Start != nil {
		sessionID = msg.Start.CustomParameters["sessionId"]
	}
	if sessionID == "" && msg.Start != nil && msg.Start.CallSid != "" {
		if resolved, ok := b.store.GetSessionByCarrierCallID(msg.Start.CallSid); ok {
			sessionID = resolved
		}
	}
	if sessionID == "" || !b.store.Exists(sessionID) {
		b.mu.Unlock()
		return fmt.Errorf("bridge: could not resolve session for carrier start event")
	}

	b.sessionID = sessionID
	b.streamSid = msg.StreamSid
	b.state = StateBound
	b.mu.Unlock()

	if !bindTimer.Stop() {
		select {
		case <-bindTimer.C:
		default:
		}
	}

	var callSid string
	if msg.Start != nil {
		callSid = msg.Start.CallSid
	}
	if callSid != "" {
		_ = b.store.SetCarrierCallID(sessionID, callSid)
	}
	_ = b.store.UpdateStatus(sessionID, sessionstore.StatusInProgress, "")

	brief := b.store.GetBrief(sessionID)
	modelCfg := b.cfg.ModelConfig
	modelCfg.Instructions = RenderInstructions(b.cfg.PromptTemplate, brief, b.cfg.PromptDefaults)

	dial := b.cfg.Dial
	if dial == nil {
		dial = func(ctx context.Context, cfg modelclient.Config) (*modelclient.Conn, error) {
			return modelclient.Connect(ctx, cfg)
		}
	}

	modelConn, err := dial(ctx, modelCfg)
	if err != nil {
		_ = b.store.UpdateStatus(sessionID, sessionstore.StatusFailed, "model connection failed: "+err.Error())
		b.carrier.Close(websocket.StatusInternalError, "model unavailable")
		return fmt.Errorf("bridge: dial model: %w", err)
	}

	b.mu.Lock()
	b.model = modelConn
	b.state = StateActive
	b.mu.Unlock()

	return nil
}

func (b *Bridge) handleMedia(ctx context.Context, msg *carrierclient.Message) error {
	if msg.Media == nil || msg.Media.Payload == "" {
		return nil
	}

	b.mu.Lock()
	model := b.model
	sessionID := b.sessionID
	sample := b.cadenceRecipient.Next()
	b.mu.Unlock()

	if model == nil {
		return nil
	}

	if err := model.SendAudioAppend(msg.Media.Payload); err != nil {
		return fmt.Errorf("forward media to model: %w", err)
	}

	if sample {
		b.sampleLevel(sessionID, sessionstore.SpeakerRecipient, msg.Media.Payload)
	}
	_ = ctx
	return nil
}

func (b *Bridge) sampleLevel(sessionID string, speaker sessionstore.Speaker, base64Payload string) {
	raw, err := base64.StdEncoding.DecodeString(base64Payload)
	if err != nil {
		return
	}
	gain := b.cfg.Gain
	if gain == 0 {
		gain = audiolevel.DefaultGain
	}
	level := audiolevel.Level(raw, gain)
	_ = b.store.AppendAudioLevel(sessionID, speaker, level)
}

func (b *Bridge) handleStop(msg *carrierclient.Message) {
	b.mu.Lock()
	sessionID := b.sessionID
	model := b.model
	b.state = StateClosing
	b.mu.Unlock()

	reason := "call completed"
	if msg.Stop != nil && msg.Stop.CallSid != "" {
		reason = "call completed (" + msg.Stop.CallSid + ")"
	}
	if sessionID != "" {
		_ = b.store.UpdateStatus(sessionID, sessionstore.StatusCompleted, reason)
	}
	if model != nil {
		_ = model.Close()
	}
}

// handleModelEvent implements the forwarding contract's model-event cases.
func (b *Bridge) handleModelEvent(ctx context.Context, evt modelclient.ServerEvent) {
	switch evt.Type {
	case "response.output_audio.delta":
		b.handleAudioDelta(ctx, evt)

	case "conversation.item.input_audio_transcription.delta":
		b.mu.Lock()
		sessionID := b.sessionID
		b.mu.Unlock()
		_ = b.store.AppendTranscriptDelta(sessionID, evt.ItemID, sessionstore.SpeakerRecipient, evt.Delta, "")

	case "conversation.item.input_audio_transcription.completed":
		b.mu.Lock()
		sessionID := b.sessionID
		b.mu.Unlock()
		_ = b.store.AppendTranscriptFinal(sessionID, evt.ItemID, sessionstore.SpeakerRecipient, evt.Transcript, "")

	case "response.audio_transcript.delta":
		b.mu.Lock()
		sessionID := b.sessionID
		b.mu.Unlock()
		_ = b.store.AppendTranscriptDelta(sessionID, evt.ItemID, sessionstore.SpeakerAssistant, evt.Delta, "")

	case "response.audio_transcript.done":
		b.mu.Lock()
		sessionID := b.sessionID
		b.mu.Unlock()
		_ = b.store.AppendTranscriptFinal(sessionID, evt.ItemID, sessionstore.SpeakerAssistant, evt.Transcript, "")

	case "input_audio_buffer.committed":
		b.mu.Lock()
		sessionID := b.sessionID
		b.mu.Unlock()
		_ = b.store.RecordTranscriptOrder(sessionID, evt.ItemID, sessionstore.SpeakerRecipient, evt.PreviousItemID)

	case "input_audio_buffer.speech_started":
		b.triggerBargeIn(ctx)

	case "error":
		b.handleModelError(evt)
	}
}

func (b *Bridge) handleAudioDelta(ctx context.Context, evt modelclient.ServerEvent) {
	if evt.Delta == "" {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(evt.Delta)
	if err != nil || len(raw) == 0 {
		return
	}

	b.mu.Lock()
	streamSid := b.streamSid
	if b.activeResponseID == "" && b.activeItemID == "" {
		b.playbackStarted = time.Now()
	}
	b.activeResponseID = evt.ResponseID
	b.activeItemID = evt.ItemID
	b.activeContentIndex = evt.ContentIndex
	b.sentMs += len(raw) / 8 // 1 PCMU byte = 1 sample at 8 kHz ≈ 0.125ms; 8 bytes ≈ 1ms
	sessionID := b.sessionID
	sample := b.cadenceAssistant.Next()
	b.mu.Unlock()

	if err := b.carrier.WriteMedia(ctx, streamSid, evt.Delta); err != nil {
		slog.Warn("bridge: failed to forward assistant audio to carrier", "err", err)
		return
	}

	if sample {
		b.sampleLevel(sessionID, sessionstore.SpeakerAssistant, evt.Delta)
	}
}

// triggerBargeIn implements the four-step interruption sequence. Duplicate
// "speech started" events in quick succession are handled naturally: the
// second call observes no active assistant output and performs only the
// (harmless) carrier clear.
func (b *Bridge) triggerBargeIn(ctx context.Context) {
	b.mu.Lock()
	streamSid := b.streamSid
	model := b.model
	responseID := b.activeResponseID
	itemID := b.activeItemID
	contentIndex := b.activeContentIndex
	sentMs := b.sentMs
	playbackStarted := b.playbackStarted
	b.mu.Unlock()

	if responseID != "" || itemID != "" {
		b.cfg.Metrics.RecordBargeIn(ctx)
	}

	if err := b.carrier.WriteClear(ctx, streamSid); err != nil {
		slog.Warn("bridge: carrier clear failed", "err", err)
	}

	if model == nil {
		return
	}

	if responseID != "" {
		if eventID, err := model.SendResponseCancel(); err == nil {
			b.trackPending(eventID)
		} else {
			slog.Warn("bridge: response.cancel failed", "err", err)
		}
	}

	if itemID != "" && sentMs > 0 {
		elapsedMs := int(time.Since(playbackStarted).Milliseconds())
		audioEndMs := sentMs
		if elapsedMs < audioEndMs {
			audioEndMs = elapsedMs
		}
		if eventID, err := model.SendConversationItemTruncate(itemID, contentIndex, audioEndMs); err == nil {
			b.trackPending(eventID)
		} else {
			slog.Warn("bridge: conversation.item.truncate failed", "err", err)
		}
	}

	b.mu.Lock()
	b.activeResponseID = ""
	b.activeItemID = ""
	b.activeContentIndex = 0
	b.sentMs = 0
	b.playbackStarted = time.Time{}
	b.mu.Unlock()
}

func (b *Bridge) trackPending(eventID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pendingControl[eventID] = struct{}{}
}

// recoverableErrorCodes are model error codes known to race harmlessly with
// the bridge's own interruption controls.
var recoverableErrorCodes = map[string]bool{
	"response_cancel_not_active":         true,
	"conversation_item_not_found":         true,
	"conversation_item_already_completed": true,
}

func (b *Bridge) handleModelError(evt modelclient.ServerEvent) {
	b.mu.Lock()
	recoverable := false
	eventID := evt.EventID
	if eventID == "" && evt.Error != nil {
		eventID = evt.Error.EventID
	}
	if eventID != "" {
		if _, ok := b.pendingControl[eventID]; ok {
			recoverable = true
			delete(b.pendingControl, eventID)
		}
	}
	sessionID := b.sessionID
	b.mu.Unlock()

	var code, message string
	if evt.Error != nil {
		code = evt.Error.Code
		message = evt.Error.Message
	}
	if recoverableErrorCodes[code] {
		recoverable = true
	}
	lower := strings.ToLower(message)
	if strings.Contains(lower, "cancel") || strings.Contains(lower, "truncate") {
		recoverable = true
	}

	if recoverable {
		slog.Warn("bridge: recoverable model error, ignoring", "code", code, "message", message)
		return
	}

	slog.Error("bridge: unrecoverable model error, failing session", "code", code, "message", message)
	_ = b.store.UpdateStatus(sessionID, sessionstore.StatusFailed, message)
	b.closeBoth(websocket.StatusInternalError, "model error: "+message, "model")
}

func (b *Bridge) handleCarrierClose(err error) {
	b.mu.Lock()
	sessionID := b.sessionID
	model := b.model
	b.state = StateClosing
	b.mu.Unlock()

	status := websocket.CloseStatus(err)
	if sessionID != "" && status != websocket.StatusNormalClosure {
		reason := "carrier socket closed unexpectedly"
		if err != nil {
			reason = err.Error()
		}
		_ = b.store.UpdateStatus(sessionID, sessionstore.StatusFailed, reason)
	}
	if model != nil {
		_ = model.Close()
	}
}

func (b *Bridge) handleModelClose() {
	b.mu.Lock()
	sessionID := b.sessionID
	b.state = StateClosing
	b.mu.Unlock()

	if sessionID != "" {
		summary, ok := b.store.GetSummary(sessionID)
		if ok && !summary.Status.IsTerminal() {
			_ = b.store.UpdateStatus(sessionID, sessionstore.StatusFailed, "model connection closed unexpectedly")
		}
	}
	b.carrier.Close(websocket.StatusNormalClosure, "model disconnected")
}

// closeBoth closes both legs of the bridge. side identifies which leg is
// responsible when this close represents an unrecoverable bridge error
// ("carrier" or "model"); pass "" for a controlled termination (shutdown,
// max-duration cutoff) that shouldn't count against [Metrics.BridgeErrors].
func (b *Bridge) closeBoth(code websocket.StatusCode, reason string, side string) {
	b.mu.Lock()
	model := b.model
	b.state = StateClosing
	b.mu.Unlock()

	if side != "" {
		b.cfg.Metrics.RecordBridgeError(context.Background(), side)
	}

	b.carrier.Close(code, reason)
	if model != nil {
		_ = model.Close()
	}
}

func (b *Bridge) finish() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
	b.mu.Lock()
	b.state = StateClosed
	b.mu.Unlock()
}
