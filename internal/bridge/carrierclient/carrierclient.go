// Package carrierclient implements the media bridge's carrier-facing leg:
// the JSON frame shapes and thin websocket wrapper for the telephony
// carrier's bidirectional media stream protocol (start/media/stop/mark
// events carrying base64 PCMU payloads).
package carrierclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"

	"github.com/vignesh-oai/ClassPulse/internal/callerr"
)

// Message is a single frame of the carrier media-stream protocol. Only the
// field matching Event is populated; the protocol is dynamically typed JSON
// so all variant fields are optional.
type Message struct {
	Event          string   `json:"event"`
	SequenceNumber string   `json:"sequenceNumber,omitempty"`
	StreamSid      string   `json:"streamSid,omitempty"`
	Media          *Media   `json:"media,omitempty"`
	Start          *Start   `json:"start,omitempty"`
	Stop           *Stop    `json:"stop,omitempty"`
	Mark           *Mark    `json:"mark,omitempty"`
}

// Media carries one 20 ms PCMU frame on the media event.
type Media struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // base64 PCMU
}

// Start announces a new media stream and carries the custom parameters the
// call-control document attached (notably sessionId).
type Start struct {
	AccountSid       string            `json:"accountSid,omitempty"`
	CallSid          string            `json:"callSid,omitempty"`
	StreamSid        string            `json:"streamSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// Stop announces the end of a media stream.
type Stop struct {
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid,omitempty"`
}

// Mark acknowledges a previously sent mark event (unused by the bridge
// today; decoded so unrecognized-but-documented events don't fall into the
// catch-all parse-error path).
type Mark struct {
	Name string `json:"name,omitempty"`
}

// Conn wraps an accepted carrier media-stream websocket connection.
type Conn struct {
	ws *websocket.Conn
}

// New wraps an already-accepted websocket connection.
func New(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// ReadMessage reads and decodes the next frame.
func (c *Conn) ReadMessage(ctx context.Context) (*Message, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		preview := string(data)
		if len(preview) > 120 {
			preview = preview[:120]
		}
		return nil, &callerr.ParseError{Preview: preview, Err: err}
	}
	return &msg, nil
}

type mediaOutMessage struct {
	Event     string   `json:"event"`
	StreamSid string   `json:"streamSid"`
	Media     mediaOut `json:"media"`
}

type mediaOut struct {
	Payload string `json:"payload"`
}

// WriteMedia sends one outbound PCMU frame on streamSid.
func (c *Conn) WriteMedia(ctx context.Context, streamSid, base64Payload string) error {
	return c.writeJSON(ctx, mediaOutMessage{
		Event:     "media",
		StreamSid: streamSid,
		Media:     mediaOut{Payload: base64Payload},
	})
}

type clearMessage struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

// WriteClear tells the carrier to discard any queued outbound audio for
// streamSid — the carrier-side half of barge-in.
func (c *Conn) WriteClear(ctx context.Context, streamSid string) error {
	return c.writeJSON(ctx, clearMessage{Event: "clear", StreamSid: streamSid})
}

func (c *Conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("carrierclient: marshal: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Close closes the underlying websocket with the given close code and
// reason.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	return c.ws.Close(code, reason)
}
