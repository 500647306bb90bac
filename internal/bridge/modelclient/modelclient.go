// Package modelclient implements the media bridge's realtime-model leg: a
// websocket client for the cloud speech/voice model's realtime endpoint,
// speaking PCMU audio in both directions plus the model's structured event
// protocol (transcription deltas/finals, barge-in signaling, tool calls).
//
// The wire shape mirrors OpenAI's Realtime API. Unlike a simple
// audio-in/audio-out adapter, the bridge needs fine control over
// interruption-control messages (response.cancel, conversation.item.truncate)
// so it can tag each one with an event id and later recognize the
// recoverable "too late, the turn already ended" errors those messages can
// race with — so this client exposes raw server events rather than
// pre-dispatching them.
package modelclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const defaultBaseURL = "wss://api.openai.com/v1/realtime"

// Config configures a realtime-model connection.
type Config struct {
	APIKey             string
	BaseURL            string // defaults to defaultBaseURL
	Model              string
	Voice              string
	TranscriptionModel string
	Instructions       string
}

// ServerEvent is a defensively-decoded realtime server event. Only the
// fields relevant to a given Type are populated; all are optional because
// the wire protocol is dynamically typed JSON (per the design note on
// dynamic-typed carrier/model messages).
type ServerEvent struct {
	Type string `json:"type"`

	EventID string `json:"event_id,omitempty"`

	// response.output_audio.delta
	Delta         string `json:"delta,omitempty"`
	ItemID        string `json:"item_id,omitempty"`
	ResponseID    string `json:"response_id,omitempty"`
	ContentIndex  int    `json:"content_index,omitempty"`

	// conversation.item.input_audio_transcription.* /
	// response.audio_transcript.*
	Transcript string `json:"transcript,omitempty"`

	// input_audio_buffer.committed
	PreviousItemID string `json:"previous_item_id,omitempty"`

	// error
	Error *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail is the nested error object of a realtime "error" event.
type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

// Conn is an open connection to the realtime model endpoint.
type Conn struct {
	conn   *websocket.Conn
	events chan ServerEvent

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// Connect dials the realtime endpoint and sends the initial session.update
// configuring PCMU input/output audio, server-side VAD with interrupt
// response, transcription, voice, and instructions.
func Connect(ctx context.Context, cfg Config) (*Conn, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	wsURL := fmt.Sprintf("%s?model=%s", baseURL, cfg.Model)

	wsConn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + cfg.APIKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("modelclient: dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		conn:   wsConn,
		events: make(chan ServerEvent, 64),
		ctx:    connCtx,
		cancel: cancel,
	}

	if err := c.sendSessionUpdate(cfg); err != nil {
		cancel()
		wsConn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("modelclient: session update: %w", err)
	}

	go c.receiveLoop()

	return c, nil
}

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	Voice                   string         `json:"voice,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	InputAudioTranscription *transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection `json:"turn_detection,omitempty"`
}

type transcription struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string `json:"type"`
	InterruptResponse bool   `json:"interrupt_response"`
}

func (c *Conn) sendSessionUpdate(cfg Config) error {
	params := sessionParams{
		InputAudioFormat:  "g711_ulaw",
		OutputAudioFormat: "g711_ulaw",
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		TurnDetection: &turnDetection{
			Type:              "server_vad",
			InterruptResponse: true,
		},
	}
	if cfg.TranscriptionModel != "" {
		params.InputAudioTranscription = &transcription{Model: cfg.TranscriptionModel}
	}
	return c.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

func (c *Conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("modelclient: marshal: %w", err)
	}
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// Events returns the channel on which decoded server events arrive. The
// channel is closed when the connection's read loop exits.
func (c *Conn) Events() <-chan ServerEvent { return c.events }

func (c *Conn) receiveLoop() {
	defer close(c.events)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}

		var evt ServerEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		select {
		case c.events <- evt:
		case <-c.ctx.Done():
			return
		}
	}
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// SendAudioAppend forwards a base64url/standard-base64 PCMU payload to the
// model's input audio buffer, verbatim from the carrier frame.
func (c *Conn) SendAudioAppend(base64Payload string) error {
	return c.writeJSON(appendAudioMessage{Type: "input_audio_buffer.append", Audio: base64Payload})
}

type taggedMessage struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
}

// SendResponseCancel sends response.cancel, tagged with a freshly generated
// event id that the caller should track for recoverable-error
// classification.
func (c *Conn) SendResponseCancel() (eventID string, err error) {
	eventID = uuid.NewString()
	err = c.writeJSON(taggedMessage{Type: "response.cancel", EventID: eventID})
	return eventID, err
}

type truncateMessage struct {
	Type         string `json:"type"`
	EventID      string `json:"event_id"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int    `json:"audio_end_ms"`
}

// SendConversationItemTruncate sends conversation.item.truncate for the
// given item/content index, with audioEndMs set to the caller's best
// estimate of what the listener actually heard before the interruption.
func (c *Conn) SendConversationItemTruncate(itemID string, contentIndex, audioEndMs int) (eventID string, err error) {
	eventID = uuid.NewString()
	err = c.writeJSON(truncateMessage{
		Type:         "conversation.item.truncate",
		EventID:      eventID,
		ItemID:       itemID,
		ContentIndex: contentIndex,
		AudioEndMs:   audioEndMs,
	})
	return eventID, err
}

// Close terminates the connection. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.closeOnce.Do(c.cancel)
	return c.conn.Close(websocket.StatusNormalClosure, "bridge closing")
}
