// Package summary implements the Summary Synthesizer (spec.md §4.6): an
// on-demand, cached post-call summary built from a session's transcript,
// using a remote model with a deterministic heuristic fallback.
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/vignesh-oai/ClassPulse/internal/observe"
	"github.com/vignesh-oai/ClassPulse/internal/resilience"
	"github.com/vignesh-oai/ClassPulse/internal/sessionstore"
)

// AttendanceRisk is the coarse risk band assigned to a summary.
type AttendanceRisk string

const (
	RiskHigh    AttendanceRisk = "high"
	RiskMedium  AttendanceRisk = "medium"
	RiskLow     AttendanceRisk = "low"
	RiskUnknown AttendanceRisk = "unknown"
)

// Source identifies which path produced a [Result].
type Source string

const (
	SourceRemote    Source = "remote"
	SourceHeuristic Source = "heuristic"
)

// Result is the structured summary returned by [Synthesizer.GetSummary].
type Result struct {
	Summary         string         `json:"summary"`
	KeyPoints       []string       `json:"keyPoints"`
	ActionItems     []string       `json:"actionItems"`
	AttendanceRisk  AttendanceRisk `json:"attendanceRisk"`
	Source          Source         `json:"source"`
}

// Config configures the remote model used for summary synthesis. A zero
// Config is valid; in that case GetSummary always uses the heuristic path.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string

	// ContactLabel names the non-assistant speaker in the transcript prompt
	// handed to the remote model (e.g. "Parent/Guardian").
	ContactLabel string
}

// Configured reports whether enough configuration is present to attempt a
// remote summary call.
func (c Config) Configured() bool {
	return c.APIKey != ""
}

func (c Config) contactLabel() string {
	if c.ContactLabel != "" {
		return c.ContactLabel
	}
	return "Recipient"
}

func (c Config) model() shared.ChatModel {
	if c.Model != "" {
		return shared.ChatModel(c.Model)
	}
	return shared.ChatModelGPT4oMini
}

// remoteClient is the subset of the OpenAI chat-completions surface
// [Synthesizer] depends on, so tests can substitute a fake. The heuristic
// fallback path (see [heuristicClient]) also implements it, so both can sit
// as entries in the same [resilience.FallbackGroup].
type remoteClient interface {
	Synthesize(ctx context.Context, cfg Config, items []sessionstore.TranscriptItem) (Result, error)
}

type openAIClient struct {
	client openai.Client
}

func newOpenAIClient(cfg Config) *openAIClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &openAIClient{client: openai.NewClient(opts...)}
}

// summarySchema is the JSON schema the remote model's structured output
// must conform to, reflected from [Result].
var summarySchema = mustSchema()

func mustSchema() map[string]any {
	s, err := jsonschema.For[Result](nil)
	if err != nil {
		panic("summary: failed to build response schema: " + err.Error())
	}
	raw, err := json.Marshal(s)
	if err != nil {
		panic("summary: failed to marshal response schema: " + err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		panic("summary: failed to decode response schema: " + err.Error())
	}
	return m
}

func (c *openAIClient) Synthesize(ctx context.Context, cfg Config, items []sessionstore.TranscriptItem) (Result, error) {
	prompt := buildTranscriptPrompt(items, cfg.contactLabel())
	if prompt == "" {
		return Result{}, fmt.Errorf("summary: empty transcript")
	}
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: cfg.model(),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        "call_summary",
					Description: openai.String("Structured summary of a school outreach call"),
					Schema:      summarySchema,
					Strict:      openai.Bool(true),
				},
			},
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("summary: remote call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("summary: remote call returned no choices")
	}
	var result Result
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &result); err != nil {
		return Result{}, fmt.Errorf("summary: parse structured output: %w", err)
	}
	result.Source = SourceRemote
	return result, nil
}

const systemPrompt = "You summarise a phone call placed by a school attendance assistant to a " +
	"student's parent or guardian. Respond only with the requested JSON structure. Keep the " +
	"summary factual and concise, base key points and action items strictly on the transcript, " +
	"and pick attendanceRisk from low, medium, high, or unknown."

// heuristicClient adapts [heuristicSummary] to [remoteClient] so it can sit
// in the same [resilience.FallbackGroup] as the remote model client — the
// deterministic fallback path never fails, so it always terminates the
// group's fallback chain.
type heuristicClient struct{}

func (heuristicClient) Synthesize(_ context.Context, _ Config, items []sessionstore.TranscriptItem) (Result, error) {
	return heuristicSummary(items), nil
}

// cacheEntry holds the last computed result for a session, keyed by the
// session's seq at computation time.
type cacheEntry struct {
	lastSeq uint64
	result  Result
}

// Synthesizer implements getSummary (§4.6): cache-or-recompute, remote
// model with heuristic fallback.
//
// The remote-vs-heuristic choice is expressed as a [resilience.FallbackGroup]
// (a circuit breaker per entry; internal/telephony uses a bare
// [resilience.CircuitBreaker] for the carrier API), so repeated remote failures
// trip that entry's breaker and subsequent calls skip straight to the
// heuristic path without paying the remote call's latency — §7's "summary
// model failures: silent fallback to heuristic" extended with the teacher's
// own flap-protection idiom rather than a bare if/else.
type Synthesizer struct {
	store   *sessionstore.Store
	cfg     Config
	fg      *resilience.FallbackGroup[remoteClient]
	metrics *observe.Metrics

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New creates a [Synthesizer]. remote may be nil, in which case a real
// OpenAI client is constructed from cfg (only used if cfg.Configured()).
func New(store *sessionstore.Store, cfg Config, metrics *observe.Metrics, remote remoteClient) *Synthesizer {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if remote == nil && cfg.Configured() {
		remote = newOpenAIClient(cfg)
	}

	var fg *resilience.FallbackGroup[remoteClient]
	if remote != nil && cfg.Configured() {
		fg = resilience.NewFallbackGroup[remoteClient](remote, "remote-summary-model", resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: 30 * time.Second},
		})
		fg.AddFallback("heuristic", heuristicClient{})
	} else {
		fg = resilience.NewFallbackGroup[remoteClient](heuristicClient{}, "heuristic", resilience.FallbackConfig{})
	}

	return &Synthesizer{
		store:   store,
		cfg:     cfg,
		fg:      fg,
		metrics: metrics,
		cache:   make(map[string]cacheEntry),
	}
}

// GetSummary implements §4.6's getSummary. Returns false if the session is
// unknown.
func (s *Synthesizer) GetSummary(ctx context.Context, sessionID string) (Result, bool) {
	snap, ok := s.store.GetSummary(sessionID)
	if !ok {
		return Result{}, false
	}

	s.mu.Lock()
	cached, hit := s.cache[sessionID]
	s.mu.Unlock()
	if hit && cached.lastSeq == snap.Seq {
		s.metrics.RecordSummary(ctx, true, "")
		return cached.result, true
	}

	result, err := resilience.ExecuteWithResult(s.fg, func(rc remoteClient) (Result, error) {
		return rc.Synthesize(ctx, s.cfg, snap.TranscriptItems)
	})
	if err != nil {
		// Every entry failed — the heuristic fallback itself never returns an
		// error, so this only happens if it was skipped by an open circuit
		// breaker on a fresh group with no fallback registered yet. Fall back
		// directly rather than surfacing ErrAllFailed to the caller.
		result = heuristicSummary(snap.TranscriptItems)
	}

	s.mu.Lock()
	s.cache[sessionID] = cacheEntry{lastSeq: snap.Seq, result: result}
	s.mu.Unlock()

	s.metrics.RecordSummary(ctx, false, string(result.Source))
	return result, true
}

// buildTranscriptPrompt renders nonblank transcript items, in display
// order, labeling each turn "School Assistant" or contactLabel.
func buildTranscriptPrompt(items []sessionstore.TranscriptItem, contactLabel string) string {
	var b strings.Builder
	for _, item := range items {
		text := strings.TrimSpace(item.Text)
		if text == "" {
			continue
		}
		label := contactLabel
		if item.Speaker == sessionstore.SpeakerAssistant {
			label = "School Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", label, text)
	}
	return strings.TrimSpace(b.String())
}

// heuristicSummary implements the deterministic fallback from §4.6 step 5.
func heuristicSummary(items []sessionstore.TranscriptItem) Result {
	nonblank := make([]sessionstore.TranscriptItem, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.Text) != "" {
			nonblank = append(nonblank, item)
		}
	}
	if len(nonblank) == 0 {
		return Result{
			Summary:        "No transcript was captured for this call.",
			KeyPoints:      nil,
			ActionItems:    baselineActionItems(),
			AttendanceRisk: RiskUnknown,
			Source:         SourceHeuristic,
		}
	}

	recipientTurns := lastNTurns(nonblank, sessionstore.SpeakerRecipient, 2)
	turns := recipientTurns
	if len(turns) == 0 {
		turns = lastNTurns(nonblank, sessionstore.SpeakerAssistant, 2)
	}

	var summaryLines []string
	for _, t := range turns {
		summaryLines = append(summaryLines, strings.TrimSpace(t.Text))
	}
	summary := strings.Join(summaryLines, " ")
	if summary == "" {
		summary = "The call concluded without a clear statement from the recipient."
	}

	fullText := strings.ToLower(buildTranscriptPrompt(nonblank, "Recipient"))
	actionItems := baselineActionItems()
	if containsAny(fullText, "bus", "ride", "transport", "pick up", "drop off") {
		actionItems = append(actionItems, "Coordinate transportation support for the student.")
	}
	if containsAny(fullText, "doctor", "sick", "ill", "hospital", "medical") {
		actionItems = append(actionItems, "Follow up on the student's health and any documentation needed.")
	}

	return Result{
		Summary:        summary,
		KeyPoints:      summaryLines,
		ActionItems:    actionItems,
		AttendanceRisk: assignRisk(fullText),
		Source:         SourceHeuristic,
	}
}

func baselineActionItems() []string {
	return []string{"Log the outcome of this call in the attendance system."}
}

// assignRisk applies the keyword bands from §4.6 step 5.
func assignRisk(lowerText string) AttendanceRisk {
	switch {
	case containsAny(lowerText, "homeless", "evict", "unsafe", "hospital", "emergency", "can't make"):
		return RiskHigh
	case containsAny(lowerText, "sick", "ill", "doctor", "transport", "bus", "ride",
		"work schedule", "shift", "anxiety", "stressed", "family issue"):
		return RiskMedium
	default:
		return RiskLow
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// lastNTurns returns up to n trailing items spoken by speaker, in original
// order.
func lastNTurns(items []sessionstore.TranscriptItem, speaker sessionstore.Speaker, n int) []sessionstore.TranscriptItem {
	var matches []sessionstore.TranscriptItem
	for _, item := range items {
		if item.Speaker == speaker {
			matches = append(matches, item)
		}
	}
	if len(matches) > n {
		matches = matches[len(matches)-n:]
	}
	return matches
}
