// Package toolplane implements the Tool/Asset Plane (spec.md §4.7): the
// external collaborator interface, a generic request/response surface
// exposing named operations over the Model Context Protocol.
//
// It is served as a streamable-HTTP MCP server using the official MCP Go
// SDK (github.com/modelcontextprotocol/go-sdk), the same module the
// teacher pack's client-side host (internal/mcp/mcphost) connects through —
// here used in the opposite direction, as a server rather than a client.
// Each tool returns the SDK's standard {content, structuredContent, _meta}
// shape; _meta.outputTemplate points at the matching static widget served
// by [github.com/vignesh-oai/ClassPulse/internal/assets].
package toolplane

import (
	"context"
	"fmt"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vignesh-oai/ClassPulse/internal/sessionstore"
	"github.com/vignesh-oai/ClassPulse/internal/summary"
	"github.com/vignesh-oai/ClassPulse/internal/telephony"
)

// CallBriefInput is the shared input shape for open-call-panel and
// initiate-call: free-text fields captured at session creation and fed
// into the model's system prompt.
type CallBriefInput struct {
	ReasonSummary   string `json:"reasonSummary" jsonschema:"the reason attendance staff are calling about"`
	ContextFromChat string `json:"contextFromChat,omitempty" jsonschema:"any context carried over from a prior chat with staff"`
	AbsenceStats    string `json:"absenceStats,omitempty" jsonschema:"a short description of the student's absence history"`
}

// CallPanelDescriptor is the structured output of open-call-panel: a
// not-yet-started call descriptor the widget can render before any call
// exists.
type CallPanelDescriptor struct {
	SessionID          *string `json:"sessionId"`
	DisplayNumber      string  `json:"displayNumber"`
	StudentName        string  `json:"studentName"`
	ParentName         string  `json:"parentName"`
	ParentRelationship string  `json:"parentRelationship"`
	ParentNumberLabel  string  `json:"parentNumberLabel"`
	Status             string  `json:"status"`
	LogsWsURL          *string `json:"logsWsUrl"`
	ReconnectSinceSeq  int     `json:"reconnectSinceSeq"`
	ReasonSummary      string  `json:"reasonSummary"`
	ContextFromChat    string  `json:"contextFromChat,omitempty"`
	AbsenceStats       string  `json:"absenceStats,omitempty"`
}

// CallStatusInput is the input for call-status.
type CallStatusInput struct {
	SessionID string `json:"sessionId" jsonschema:"the session id returned by initiate-call"`
}

// CallStatusOutput mirrors [sessionstore.StatusSummary] in a
// wire-serializable shape, plus a found flag for unknown sessions.
type CallStatusOutput struct {
	Found           bool   `json:"found"`
	SessionID       string `json:"sessionId,omitempty"`
	Status          string `json:"status,omitempty"`
	TerminalReason  string `json:"terminalReason,omitempty"`
	TranscriptCount int    `json:"transcriptItemCount,omitempty"`
}

// SummariseCallOutput wraps [summary.Result] with the found flag documented
// in §4.7 for summarise-call.
type SummariseCallOutput struct {
	Found bool `json:"found"`
	summary.Result
}

// Deps bundles the components toolplane's handlers delegate to.
type Deps struct {
	Telephony     *telephony.Controller
	Summarizer    *summary.Synthesizer
	Store         *sessionstore.Store
	PresentNumber string // display-only carrier number shown on the call-panel descriptor
	StudentName   string
	ParentName    string
	ParentRel     string
	ParentNumber  string
}

// NewServer builds an MCP server exposing the four operations documented in
// §4.7: open-call-panel, initiate-call, call-status, summarise-call.
func NewServer(deps Deps) *mcpsdk.Server {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "classpulse",
		Version: "1.0.0",
	}, nil)

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "open-call-panel",
		Description: "Fetch a not-yet-started call-panel descriptor for the attendance outreach widget.",
	}, deps.openCallPanel)

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "initiate-call",
		Description: "Place an outbound attendance outreach call and return its session descriptor.",
	}, deps.initiateCall)

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "call-status",
		Description: "Fetch the current status summary for a call session.",
	}, deps.callStatus)

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        "summarise-call",
		Description: "Fetch the cached post-call summary for a session, computing it if stale.",
	}, deps.summariseCall)

	return server
}

// NewHandler wraps server as a streamable-HTTP handler mounted at /mcp.
func NewHandler(server *mcpsdk.Server) http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server {
		return server
	}, nil)
}

func (d Deps) openCallPanel(ctx context.Context, req *mcpsdk.CallToolRequest, in CallBriefInput) (*mcpsdk.CallToolResult, CallPanelDescriptor, error) {
	out := CallPanelDescriptor{
		DisplayNumber:      d.PresentNumber,
		StudentName:        d.StudentName,
		ParentName:         d.ParentName,
		ParentRelationship: d.ParentRel,
		ParentNumberLabel:  d.ParentNumber,
		Status:             string(sessionstore.StatusReady),
		ReconnectSinceSeq:  0,
		ReasonSummary:      in.ReasonSummary,
		ContextFromChat:    in.ContextFromChat,
		AbsenceStats:       in.AbsenceStats,
	}
	return textResult(fmt.Sprintf("Call panel ready for %s.", out.StudentName), "call-panel"), out, nil
}

func (d Deps) initiateCall(ctx context.Context, req *mcpsdk.CallToolRequest, in CallBriefInput) (*mcpsdk.CallToolResult, *telephony.CallStartResult, error) {
	result, err := d.Telephony.StartOutboundCall(ctx, &sessionstore.CallBrief{
		ReasonSummary:   in.ReasonSummary,
		ContextFromChat: in.ContextFromChat,
		AbsenceStats:    in.AbsenceStats,
	})
	if err != nil {
		return nil, nil, err
	}
	return textResult(fmt.Sprintf("Call session %s is %s.", result.SessionID, result.Status), "call-panel"), result, nil
}

func (d Deps) callStatus(ctx context.Context, req *mcpsdk.CallToolRequest, in CallStatusInput) (*mcpsdk.CallToolResult, CallStatusOutput, error) {
	summaryView, ok := d.Store.GetSummary(in.SessionID)
	if !ok {
		return textResult("No such call session.", "call-panel"), CallStatusOutput{Found: false}, nil
	}
	out := CallStatusOutput{
		Found:           true,
		SessionID:       summaryView.SessionID,
		Status:          string(summaryView.Status),
		TerminalReason:  summaryView.TerminalReason,
		TranscriptCount: len(summaryView.TranscriptItems),
	}
	return textResult(fmt.Sprintf("Session %s is %s.", out.SessionID, out.Status), "call-panel"), out, nil
}

func (d Deps) summariseCall(ctx context.Context, req *mcpsdk.CallToolRequest, in CallStatusInput) (*mcpsdk.CallToolResult, SummariseCallOutput, error) {
	result, ok := d.Summarizer.GetSummary(ctx, in.SessionID)
	if !ok {
		return textResult("No such call session.", "call-summary"), SummariseCallOutput{Found: false}, nil
	}
	out := SummariseCallOutput{Found: true, Result: result}
	return textResult(result.Summary, "call-summary"), out, nil
}

// textResult builds a [mcpsdk.CallToolResult] with a single text content
// block and the widget-template metadata documented in §4.7.
func textResult(text, widget string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: text},
		},
		Meta: mcpsdk.Meta{
			"outputTemplate": fmt.Sprintf("ui://widget/%s.html", widget),
		},
	}
}
