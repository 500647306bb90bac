// Package telephony implements the Telephony Control Plane: outbound call
// creation against the carrier's REST API, the call-control document the
// carrier fetches before opening its media stream, and the carrier's status
// callback.
//
// Carrier REST calls are grounded on the teacher pack's Twilio wiring
// (iota-uz-iota-sdk's cpass-providers/twilio.go), adapted from messaging to
// voice calls and wrapped in a [resilience.CircuitBreaker] so a flapping
// carrier API doesn't pile up slow outbound-call requests.
package telephony

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"

	"github.com/vignesh-oai/ClassPulse/internal/callerr"
	"github.com/vignesh-oai/ClassPulse/internal/observe"
	"github.com/vignesh-oai/ClassPulse/internal/resilience"
	"github.com/vignesh-oai/ClassPulse/internal/sessionstore"
	"github.com/vignesh-oai/ClassPulse/internal/viewertoken"
)

// Config bundles the carrier and networking settings a [Controller] needs to
// place outbound calls and build callback URLs.
type Config struct {
	AccountSID      string
	AuthToken       string
	FromNumber      string
	ToNumberDefault string
	PublicURL       string

	// Metrics records session lifecycle counters. Defaults to
	// [observe.DefaultMetrics] when nil.
	Metrics *observe.Metrics
}

// Configured reports whether enough carrier configuration is present to
// place a call.
func (c Config) Configured() bool {
	return c.AccountSID != "" && c.AuthToken != "" && c.FromNumber != ""
}

// callCreator is the subset of the Twilio REST client's call resource that
// [Controller] depends on. Abstracted so tests can substitute a fake without
// making real API calls.
type callCreator interface {
	CreateCall(params *twilioapi.CreateCallParams) (*twilioapi.ApiV2010Call, error)
}

// CallStartResult is returned by [Controller.StartOutboundCall]. It is
// populated even on carrier failure, so a widget can show the error without
// a second round trip.
type CallStartResult struct {
	SessionID    string
	Status       sessionstore.Status
	LogsWsURL    string
	ViewerToken  string
	CallSid      string
	ErrorMessage string
}

// Controller implements the telephony control plane operations (§4.4).
type Controller struct {
	store   *sessionstore.Store
	tokens  *viewertoken.Service
	cfg     Config
	caller  callCreator
	breaker *resilience.CircuitBreaker
}

// New creates a [Controller]. caller may be nil, in which case a real Twilio
// REST client is constructed lazily from cfg on first use.
func New(store *sessionstore.Store, tokens *viewertoken.Service, cfg Config, caller callCreator) *Controller {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Controller{
		store:  store,
		tokens: tokens,
		cfg:    cfg,
		caller: caller,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "telephony.carrier",
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
		}),
	}
}

func (c *Controller) client() callCreator {
	if c.caller != nil {
		return c.caller
	}
	restClient := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: c.cfg.AccountSID,
		Password: c.cfg.AuthToken,
	})
	c.caller = restClient.Api
	return c.caller
}

// StartOutboundCall implements §4.4's startOutboundCall: it always creates a
// session and mints a viewer token first, so the caller gets a usable
// descriptor even when the carrier call itself fails.
func (c *Controller) StartOutboundCall(ctx context.Context, brief *sessionstore.CallBrief) (*CallStartResult, error) {
	sessionID := c.store.CreateSession(brief)
	c.cfg.Metrics.RecordSessionCreated(ctx)
	c.cfg.Metrics.ActiveSessions.Add(ctx, 1)

	token, err := c.tokens.Mint(sessionID, viewertoken.DefaultTTL)
	if err != nil {
		return nil, fmt.Errorf("telephony: mint viewer token: %w", err)
	}

	result := &CallStartResult{
		SessionID:   sessionID,
		Status:      sessionstore.StatusQueued,
		LogsWsURL:   c.logsWsURL(sessionID),
		ViewerToken: token,
	}

	if !c.cfg.Configured() {
		msg := "Twilio is not configured. Set TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER."
		_ = c.store.UpdateStatus(sessionID, sessionstore.StatusFailed, msg)
		result.Status = sessionstore.StatusFailed
		result.ErrorMessage = msg
		return result, nil
	}

	to := c.cfg.ToNumberDefault
	if to == "" {
		msg := "no destination number configured (set TWILIO_TO_NUMBER_DEFAULT)"
		_ = c.store.UpdateStatus(sessionID, sessionstore.StatusFailed, msg)
		result.Status = sessionstore.StatusFailed
		result.ErrorMessage = msg
		return result, nil
	}

	params := &twilioapi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(c.cfg.FromNumber)
	params.SetUrl(c.twimlURL(sessionID))
	params.SetStatusCallback(c.statusCallbackURL(sessionID))
	params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})

	var call *twilioapi.ApiV2010Call
	callErr := c.breaker.Execute(func() error {
		var err error
		call, err = c.client().CreateCall(params)
		return err
	})
	if callErr != nil {
		msg := (&callerr.TransportError{Reason: callErr.Error()}).Error()
		_ = c.store.UpdateStatus(sessionID, sessionstore.StatusFailed, msg)
		result.Status = sessionstore.StatusFailed
		result.ErrorMessage = msg
		return result, nil
	}

	if call.Sid != nil {
		result.CallSid = *call.Sid
		_ = c.store.SetCarrierCallID(sessionID, *call.Sid)
	}

	initialStatus := ""
	if call.Status != nil {
		initialStatus = *call.Status
	}
	mapped := MapCarrierStatus(initialStatus)
	_ = c.store.UpdateStatus(sessionID, mapped, "")
	result.Status = mapped

	return result, nil
}

// MapCarrierStatus applies the canonical carrier-status mapping (§4.4).
func MapCarrierStatus(carrierStatus string) sessionstore.Status {
	switch carrierStatus {
	case "ringing":
		return sessionstore.StatusRinging
	case "in-progress", "answered":
		return sessionstore.StatusInProgress
	case "queued", "initiated", "scheduled":
		return sessionstore.StatusQueued
	case "completed":
		return sessionstore.StatusCompleted
	default:
		return sessionstore.StatusFailed
	}
}

// HandleStatusCallback implements §4.4's handleStatusCallback: a
// form-encoded carrier status callback that updates the session's carrier
// call id (idempotent) and status.
func (c *Controller) HandleStatusCallback(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" || !c.store.Exists(sessionID) {
		http.NotFound(w, r)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}

	callSid := r.PostForm.Get("CallSid")
	if callSid != "" {
		_ = c.store.SetCarrierCallID(sessionID, callSid)
	}

	carrierStatus := r.PostForm.Get("CallStatus")
	_ = c.store.UpdateStatus(sessionID, MapCarrierStatus(carrierStatus), "")

	w.WriteHeader(http.StatusNoContent)
}

// HandleCallControlDocument implements §4.4's handleCallControlDocument: an
// XML document telling the carrier to open a bidirectional media websocket
// to /twilio/call, passing sessionId as a custom stream parameter.
func (c *Controller) HandleCallControlDocument(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" || !c.store.Exists(sessionID) {
		http.NotFound(w, r)
		return
	}

	param := &twiml.VoiceParameter{
		Name:  "sessionId",
		Value: sessionID,
	}
	stream := &twiml.VoiceStream{
		Url:           c.mediaStreamURL(),
		InnerElements: []twiml.Element{param},
	}
	connect := &twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	}

	doc, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		http.Error(w, "failed to build call control document", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

func (c *Controller) baseURL() string {
	return c.cfg.PublicURL
}

func (c *Controller) wsBaseURL() string {
	u := c.baseURL()
	switch {
	case len(u) >= 8 && u[:8] == "https://":
		return "wss://" + u[8:]
	case len(u) >= 7 && u[:7] == "http://":
		return "ws://" + u[7:]
	default:
		return u
	}
}

func (c *Controller) mediaStreamURL() string {
	return c.wsBaseURL() + "/twilio/call"
}

func (c *Controller) twimlURL(sessionID string) string {
	return c.baseURL() + "/twilio/twiml?sessionId=" + url.QueryEscape(sessionID)
}

func (c *Controller) statusCallbackURL(sessionID string) string {
	return c.baseURL() + "/twilio/status?sessionId=" + url.QueryEscape(sessionID)
}

func (c *Controller) logsWsURL(sessionID string) string {
	return c.wsBaseURL() + "/twilio/logs?sessionId=" + url.QueryEscape(sessionID)
}
