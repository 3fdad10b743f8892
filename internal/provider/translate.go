package provider

import "github.com/coder/acp-go-sdk"

// translateUpdate is C3: maps one ACP session-update notification to the
// internal StreamEvent vocabulary (spec §4.3). Returns nil for updates with
// no internal equivalent (Plan, AvailableCommandsUpdate, etc.) — these are
// dropped, not buffered, preserving the peer's send order for everything
// that *is* translated.
func translateUpdate(u acp.SessionUpdate) *StreamEvent {
	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text == nil {
			return nil
		}
		return &StreamEvent{Kind: EventText, Text: u.AgentMessageChunk.Content.Text.Text}

	case u.AgentThoughtChunk != nil:
		if u.AgentThoughtChunk.Content.Text == nil {
			return nil
		}
		return &StreamEvent{Kind: EventThought, Text: u.AgentThoughtChunk.Content.Text.Text}

	case u.ToolCall != nil:
		rawInput, _ := u.ToolCall.RawInput.(map[string]any)
		return &StreamEvent{
			Kind: EventToolCallStart,
			ToolCallStart: &ToolCallStart{
				ID:       string(u.ToolCall.ToolCallId),
				Title:    u.ToolCall.Title,
				RawInput: rawInput,
			},
		}

	case u.ToolCallUpdate != nil:
		// iff status is set; content defaults to empty (spec §4.3).
		if u.ToolCallUpdate.Status == nil {
			return nil
		}
		return &StreamEvent{
			Kind: EventToolCallComplete,
			ToolCallComplete: &ToolCallComplete{
				ID:      string(u.ToolCallUpdate.ToolCallId),
				Status:  *u.ToolCallUpdate.Status,
				Content: u.ToolCallUpdate.Content,
			},
		}

	default:
		return nil
	}
}

// updateTag names the variant present in u, for tracing/debug labels only.
func updateTag(u acp.SessionUpdate) string {
	switch {
	case u.AgentMessageChunk != nil:
		return "agent_message_chunk"
	case u.AgentThoughtChunk != nil:
		return "agent_thought_chunk"
	case u.ToolCall != nil:
		return "tool_call"
	case u.ToolCallUpdate != nil:
		return "tool_call_update"
	default:
		return "unknown"
	}
}

// toolCallContentText extracts user-visible text from a tool call's content
// blocks, following the Rust original's tool_call_content_to_text: diff
// blocks render as "diff: {path}" for the changed path, plain content blocks
// render their text, anything else is skipped. Blocks are joined by newlines.
func toolCallContentText(content []acp.ToolCallContent) string {
	var out string
	for _, c := range content {
		switch {
		case c.Diff != nil:
			if out != "" {
				out += "\n"
			}
			out += "diff: " + c.Diff.Path
		case c.Content.Text != nil:
			if out != "" {
				out += "\n"
			}
			out += c.Content.Text.Text
		}
	}
	return out
}
