package provider

import "github.com/coder/acp-go-sdk"

// StreamEventKind discriminates StreamEvent's payload (spec §3).
type StreamEventKind int

const (
	EventText StreamEventKind = iota
	EventThought
	EventToolCallStart
	EventToolCallComplete
	EventPermissionRequest
	EventComplete
	EventError
)

// ToolCallStart carries the fields of a newly started tool call.
type ToolCallStart struct {
	ID       string
	Title    string
	RawInput map[string]any
}

// ToolCallComplete carries a tool call's terminal status and content.
type ToolCallComplete struct {
	ID      string
	Status  acp.ToolCallStatus
	Content []acp.ToolCallContent
}

// PermissionRequestEvent is forwarded by the inbound request handler
// (client.RequestPermission) to the active turn's sink when the peer asks to
// run a tool. ReplySlot is a one-shot: the receiver sends exactly one
// InternalDecision (or closes it, which the awaiter treats as Cancel) and
// that handler reads it to produce the peer-facing response.
type PermissionRequestEvent struct {
	SessionID  string
	ToolCallID string
	Title      string
	Kind       string
	RawInput   map[string]any
	Content    []acp.ToolCallContent
	Options    []acp.PermissionOption
	ReplySlot  chan InternalDecision
}

// StreamEvent is the internal vocabulary C3 translates ACP updates into, and
// C4 consumes while driving a turn (spec §3).
type StreamEvent struct {
	Kind StreamEventKind

	Text             string                  // EventText, EventThought, EventError
	ToolCallStart    *ToolCallStart          // EventToolCallStart
	ToolCallComplete *ToolCallComplete       // EventToolCallComplete
	PermissionReq    *PermissionRequestEvent // EventPermissionRequest
	StopReason       acp.StopReason          // EventComplete
}
