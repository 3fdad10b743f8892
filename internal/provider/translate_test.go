package provider

import (
	"testing"

	"github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslateUpdate_AgentMessageChunk(t *testing.T) {
	u := acp.SessionUpdate{
		AgentMessageChunk: &acp.SessionUpdateAgentMessageChunk{
			SessionUpdate: "agent_message_chunk",
			Content:       acp.TextBlock("hello "),
		},
	}
	ev := translateUpdate(u)
	require.NotNil(t, ev)
	assert.Equal(t, EventText, ev.Kind)
	assert.Equal(t, "hello ", ev.Text)
}

func TestTranslateUpdate_AgentThoughtChunk(t *testing.T) {
	u := acp.SessionUpdate{
		AgentThoughtChunk: &acp.SessionUpdateAgentThoughtChunk{
			SessionUpdate: "agent_thought_chunk",
			Content:       acp.TextBlock("thinking..."),
		},
	}
	ev := translateUpdate(u)
	require.NotNil(t, ev)
	assert.Equal(t, EventThought, ev.Kind)
	assert.Equal(t, "thinking...", ev.Text)
}

func TestTranslateUpdate_ToolCallStart(t *testing.T) {
	u := acp.SessionUpdate{
		ToolCall: &acp.SessionUpdateToolCall{
			SessionUpdate: "tool_call",
			ToolCallId:    acp.ToolCallId("t1"),
			Title:         "read_file",
			Status:        acp.ToolCallStatusPending,
			RawInput:      map[string]any{"path": "a.go"},
		},
	}
	ev := translateUpdate(u)
	require.NotNil(t, ev)
	require.Equal(t, EventToolCallStart, ev.Kind)
	assert.Equal(t, "t1", ev.ToolCallStart.ID)
	assert.Equal(t, "read_file", ev.ToolCallStart.Title)
	assert.Equal(t, "a.go", ev.ToolCallStart.RawInput["path"])
}

func TestTranslateUpdate_ToolCallUpdate_WithStatus(t *testing.T) {
	status := acp.ToolCallStatusCompleted
	u := acp.SessionUpdate{
		ToolCallUpdate: &acp.SessionToolCallUpdate{
			SessionUpdate: "tool_call_update",
			ToolCallId:    acp.ToolCallId("t1"),
			Status:        &status,
			Content:       []acp.ToolCallContent{acp.ToolContent(acp.TextBlock("ok"))},
		},
	}
	ev := translateUpdate(u)
	require.NotNil(t, ev)
	require.Equal(t, EventToolCallComplete, ev.Kind)
	assert.Equal(t, "t1", ev.ToolCallComplete.ID)
	assert.Equal(t, acp.ToolCallStatusCompleted, ev.ToolCallComplete.Status)
	assert.Equal(t, "ok", toolCallContentText(ev.ToolCallComplete.Content))
}

func TestTranslateUpdate_ToolCallUpdate_NoStatusDropped(t *testing.T) {
	u := acp.SessionUpdate{
		ToolCallUpdate: &acp.SessionToolCallUpdate{
			SessionUpdate: "tool_call_update",
			ToolCallId:    acp.ToolCallId("t1"),
		},
	}
	assert.Nil(t, translateUpdate(u))
}

func TestTranslateUpdate_UnknownDropped(t *testing.T) {
	assert.Nil(t, translateUpdate(acp.SessionUpdate{}))
}
