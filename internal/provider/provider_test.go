package provider

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeAgent implements acp.Agent against a scripted sequence of per-prompt
// behaviors, standing in for the external peer process in the two-sided
// test harness (no subprocess involved, mirrors the teacher pack's
// Example_agent pattern).
type fakeAgent struct {
	conn *acp.AgentSideConnection

	mu        sync.Mutex
	sessionID acp.SessionId
	prompts   []func(ctx context.Context, conn *acp.AgentSideConnection, sid acp.SessionId) acp.StopReason

	closeBeforeInit bool
}

func (a *fakeAgent) Initialize(ctx context.Context, _ acp.InitializeRequest) (acp.InitializeResponse, error) {
	return acp.InitializeResponse{
		ProtocolVersion:   acp.ProtocolVersionNumber,
		AgentCapabilities: acp.AgentCapabilities{},
	}, nil
}

func (a *fakeAgent) Authenticate(ctx context.Context, _ acp.AuthenticateRequest) error { return nil }

func (a *fakeAgent) NewSession(ctx context.Context, _ acp.NewSessionRequest) (acp.NewSessionResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionID = acp.SessionId("sess_1")
	return acp.NewSessionResponse{SessionId: a.sessionID}, nil
}

func (a *fakeAgent) Prompt(ctx context.Context, p acp.PromptRequest) (acp.PromptResponse, error) {
	a.mu.Lock()
	idx := 0
	_ = idx
	var step func(ctx context.Context, conn *acp.AgentSideConnection, sid acp.SessionId) acp.StopReason
	if len(a.prompts) > 0 {
		step = a.prompts[0]
		a.prompts = a.prompts[1:]
	}
	a.mu.Unlock()

	if step == nil {
		return acp.PromptResponse{StopReason: acp.StopReasonEndTurn}, nil
	}
	reason := step(ctx, a.conn, p.SessionId)
	return acp.PromptResponse{StopReason: reason}, nil
}

func (a *fakeAgent) Cancel(ctx context.Context, _ acp.CancelNotification) error { return nil }

var _ acp.Agent = (*fakeAgent)(nil)

// harness wires a fakeAgent and an Adapter together over two io.Pipe pairs,
// exactly as SPEC_FULL.md's test-harness section describes.
type harness struct {
	adapter *Adapter
	agent   *fakeAgent
}

func newHarness(t *testing.T, cfg AdapterConfig, prompts ...func(ctx context.Context, conn *acp.AgentSideConnection, sid acp.SessionId) acp.StopReason) *harness {
	t.Helper()

	clientToAgentR, clientToAgentW := io.Pipe()
	agentToClientR, agentToClientW := io.Pipe()

	agent := &fakeAgent{prompts: prompts}
	asc := acp.NewAgentSideConnection(agent, agentToClientW, clientToAgentR)
	agent.conn = asc

	adapter, err := connectTest(context.Background(), cfg, zap.NewNop(), pipeReadWriter{w: clientToAgentW, r: agentToClientR})
	require.NoError(t, err)

	t.Cleanup(func() { _ = adapter.Close(context.Background()) })

	return &harness{adapter: adapter, agent: agent}
}

// pipeReadWriter adapts a distinct reader/writer pair into the io.ReadWriter
// connectTest expects.
type pipeReadWriter struct {
	w io.Writer
	r io.Reader
}

func (p pipeReadWriter) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p pipeReadWriter) Read(b []byte) (int, error)  { return p.r.Read(b) }

func textBlock(s string) acp.SessionUpdate {
	return acp.SessionUpdate{AgentMessageChunk: &acp.SessionUpdateAgentMessageChunk{Content: acp.TextBlock(s)}}
}

// TestS1_BasicPrompt: two text chunks, concatenated, then EndTurn.
func TestS1_BasicPrompt(t *testing.T) {
	h := newHarness(t, AdapterConfig{WorkDir: "/workspace"}, func(ctx context.Context, conn *acp.AgentSideConnection, sid acp.SessionId) acp.StopReason {
		_ = conn.SessionUpdate(ctx, acp.SessionNotification{SessionId: sid, Update: textBlock("hello ")})
		_ = conn.SessionUpdate(ctx, acp.SessionNotification{SessionId: sid, Update: textBlock("world")})
		return acp.StopReasonEndTurn
	})

	ctx := context.Background()
	_, _, err := h.adapter.NewSession(ctx)
	require.NoError(t, err)

	out, errc := h.adapter.Stream(ctx, "default", "hi")
	var got string
	for msg := range out {
		require.Nil(t, msg.ToolCallStart)
		require.Nil(t, msg.ToolCallComplete)
		got += msg.Text
	}
	require.NoError(t, <-errc)
	require.Equal(t, "hello world", got)
}

// TestS2_ToolCallAutoApprove: Auto mode auto-approves, tool completes with
// is_error=false.
func TestS2_ToolCallAutoApprove(t *testing.T) {
	h := newHarness(t, AdapterConfig{WorkDir: "/workspace", Mode: ModeAuto}, func(ctx context.Context, conn *acp.AgentSideConnection, sid acp.SessionId) acp.StopReason {
		_ = conn.SessionUpdate(ctx, acp.SessionNotification{SessionId: sid, Update: acp.SessionUpdate{ToolCall: &acp.SessionUpdateToolCall{
			ToolCallId: "t1", Title: "read_file",
		}}})

		resp, _ := conn.RequestPermission(ctx, acp.RequestPermissionRequest{
			SessionId: sid,
			ToolCall:  acp.ToolCallUpdate{ToolCallId: "t1"},
			Options: []acp.PermissionOption{
				{Kind: acp.PermissionOptionKindAllowOnce, Name: "Allow", OptionId: "allow"},
				{Kind: acp.PermissionOptionKindRejectOnce, Name: "Reject", OptionId: "reject"},
			},
		})
		require.NotNil(t, resp.Outcome.Selected)
		require.Equal(t, acp.PermissionOptionId("allow"), resp.Outcome.Selected.OptionId)

		status := acp.ToolCallStatusCompleted
		_ = conn.SessionUpdate(ctx, acp.SessionNotification{SessionId: sid, Update: acp.SessionUpdate{ToolCallUpdate: &acp.SessionUpdateToolCallUpdate{
			ToolCallId: "t1", Status: &status, Content: []acp.ToolCallContent{{Content: acp.TextBlock("ok")}},
		}}})
		return acp.StopReasonEndTurn
	})

	ctx := context.Background()
	_, _, err := h.adapter.NewSession(ctx)
	require.NoError(t, err)

	out, errc := h.adapter.Stream(ctx, "default", "read it")
	var start *ToolCallStart
	var complete *ToolCallResult
	for msg := range out {
		if msg.ToolCallStart != nil {
			start = msg.ToolCallStart
		}
		if msg.ToolCallComplete != nil {
			complete = msg.ToolCallComplete
		}
	}
	require.NoError(t, <-errc)
	require.NotNil(t, start)
	require.Equal(t, "t1", start.ID)
	require.NotNil(t, complete)
	require.False(t, complete.IsError)
	require.Equal(t, "ok", complete.Text)
}

// TestS3_UserRejectsPeerReportsCompleted: Approve mode, external caller
// rejects, peer still reports Completed -> is_error=true per
// rejected_tool_status=Completed.
func TestS3_UserRejectsPeerReportsCompleted(t *testing.T) {
	cfg := AdapterConfig{
		WorkDir:     "/workspace",
		Mode:        ModeApprove,
		Permissions: PermissionMapping{RejectedToolStatus: acp.ToolCallStatusCompleted},
	}

	permissionSeen := make(chan struct{})
	var h *harness
	h = newHarness(t, cfg, func(ctx context.Context, conn *acp.AgentSideConnection, sid acp.SessionId) acp.StopReason {
		close(permissionSeen)
		resp, _ := conn.RequestPermission(ctx, acp.RequestPermissionRequest{
			SessionId: sid,
			ToolCall:  acp.ToolCallUpdate{ToolCallId: "t1"},
			Options: []acp.PermissionOption{
				{Kind: acp.PermissionOptionKindRejectOnce, Name: "Reject", OptionId: "reject"},
			},
		})
		require.NotNil(t, resp.Outcome.Selected)

		status := acp.ToolCallStatusCompleted
		_ = conn.SessionUpdate(ctx, acp.SessionNotification{SessionId: sid, Update: acp.SessionUpdate{ToolCallUpdate: &acp.SessionUpdateToolCallUpdate{
			ToolCallId: "t1", Status: &status,
		}}})
		return acp.StopReasonEndTurn
	})

	ctx := context.Background()
	_, _, err := h.adapter.NewSession(ctx)
	require.NoError(t, err)

	out, errc := h.adapter.Stream(ctx, "default", "do it")

	go func() {
		<-permissionSeen
		require.Eventually(t, func() bool {
			return h.adapter.HandlePermissionConfirmation("t1", DecisionRejectOnce)
		}, time.Second, 5*time.Millisecond)
	}()

	var sawActionRequired bool
	var complete *ToolCallResult
	for msg := range out {
		if msg.ActionRequired {
			sawActionRequired = true
		}
		if msg.ToolCallComplete != nil {
			complete = msg.ToolCallComplete
		}
	}
	require.NoError(t, <-errc)
	require.True(t, sawActionRequired)
	require.NotNil(t, complete)
	require.True(t, complete.IsError)
}

// TestS4_UserCancels: Approve mode, caller answers Cancel; subsequent
// ToolCallUpdate{Failed} yields is_error=true.
func TestS4_UserCancels(t *testing.T) {
	cfg := AdapterConfig{WorkDir: "/workspace", Mode: ModeApprove}

	permissionSeen := make(chan struct{})
	var h *harness
	h = newHarness(t, cfg, func(ctx context.Context, conn *acp.AgentSideConnection, sid acp.SessionId) acp.StopReason {
		close(permissionSeen)
		resp, _ := conn.RequestPermission(ctx, acp.RequestPermissionRequest{
			SessionId: sid,
			ToolCall:  acp.ToolCallUpdate{ToolCallId: "t1"},
			Options: []acp.PermissionOption{
				{Kind: acp.PermissionOptionKindAllowOnce, Name: "Allow", OptionId: "allow"},
			},
		})
		require.NotNil(t, resp.Outcome.Cancelled)

		status := acp.ToolCallStatusFailed
		_ = conn.SessionUpdate(ctx, acp.SessionNotification{SessionId: sid, Update: acp.SessionUpdate{ToolCallUpdate: &acp.SessionUpdateToolCallUpdate{
			ToolCallId: "t1", Status: &status,
		}}})
		return acp.StopReasonEndTurn
	})

	ctx := context.Background()
	_, _, err := h.adapter.NewSession(ctx)
	require.NoError(t, err)

	out, errc := h.adapter.Stream(ctx, "default", "do it")

	go func() {
		<-permissionSeen
		require.Eventually(t, func() bool {
			return h.adapter.HandlePermissionConfirmation("t1", DecisionCancel)
		}, time.Second, 5*time.Millisecond)
	}()

	var complete *ToolCallResult
	for msg := range out {
		if msg.ToolCallComplete != nil {
			complete = msg.ToolCallComplete
		}
	}
	require.NoError(t, <-errc)
	require.NotNil(t, complete)
	require.True(t, complete.IsError)
}

// TestS5_InitFailure: peer closes the stream before replying to initialize.
func TestS5_InitFailure(t *testing.T) {
	clientToAgentR, clientToAgentW := io.Pipe()
	agentToClientR, agentToClientW := io.Pipe()

	// Close the agent's write side immediately: the client never receives
	// an initialize response.
	_ = agentToClientW.Close()
	_ = clientToAgentR.Close()

	_, err := connectTest(context.Background(), AdapterConfig{WorkDir: "/workspace"}, zap.NewNop(), pipeReadWriter{w: clientToAgentW, r: agentToClientR})
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, KindInitFailed, perr.Kind)
}

// TestS7_CallerDropsStreamMidTurn: Approve mode, a permission request is
// outstanding when the caller cancels its Stream context. The pending
// waiter wakes with Cancel (client.go's RequestPermission returns
// Outcome.Cancelled to the peer), and a second permission request the peer
// issues afterward is rejected at the protocol layer because the dropped
// stream's sink was cleared (the nil-sink check in client.go's
// RequestPermission).
func TestS7_CallerDropsStreamMidTurn(t *testing.T) {
	cfg := AdapterConfig{WorkDir: "/workspace", Mode: ModeApprove}

	firstCancelled := make(chan struct{})
	secondErr := make(chan error, 1)
	h := newHarness(t, cfg, func(ctx context.Context, conn *acp.AgentSideConnection, sid acp.SessionId) acp.StopReason {
		resp, err := conn.RequestPermission(ctx, acp.RequestPermissionRequest{
			SessionId: sid,
			ToolCall:  acp.ToolCallUpdate{ToolCallId: "t1"},
			Options: []acp.PermissionOption{
				{Kind: acp.PermissionOptionKindAllowOnce, Name: "Allow", OptionId: "allow"},
			},
		})
		require.NoError(t, err)
		require.NotNil(t, resp.Outcome.Cancelled)
		close(firstCancelled)

		_, err = conn.RequestPermission(ctx, acp.RequestPermissionRequest{
			SessionId: sid,
			ToolCall:  acp.ToolCallUpdate{ToolCallId: "t2"},
			Options: []acp.PermissionOption{
				{Kind: acp.PermissionOptionKindAllowOnce, Name: "Allow", OptionId: "allow"},
			},
		})
		secondErr <- err
		return acp.StopReasonEndTurn
	})

	ctx := context.Background()
	_, _, err := h.adapter.NewSession(ctx)
	require.NoError(t, err)

	streamCtx, cancelStream := context.WithCancel(ctx)
	out, _ := h.adapter.Stream(streamCtx, "default", "do it")

	// Wait until the first permission request is outstanding.
	require.Eventually(t, func() bool {
		h.adapter.mu.Lock()
		defer h.adapter.mu.Unlock()
		_, ok := h.adapter.pending["t1"]
		return ok
	}, time.Second, 5*time.Millisecond)

	// Nobody reads out: handlePermissionRequest's ActionRequired send
	// blocks until the caller drops the stream.
	cancelStream()

	select {
	case <-firstCancelled:
	case <-time.After(time.Second):
		t.Fatal("pending permission request never woke with Cancel")
	}

	select {
	case err := <-secondErr:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("second permission request was never rejected at the protocol layer")
	}

	for range out {
	}
}

// TestProperty4_RejectionBookkeeping verifies RejectedToolCalls observes a
// rejected id exactly until its first ToolCallComplete.
func TestProperty4_RejectionBookkeeping(t *testing.T) {
	a := &Adapter{rejected: make(map[string]struct{}), pending: make(map[string]chan InternalDecision)}
	a.recordIfRejecting("t1", DecisionRejectOnce)

	require.True(t, a.consumeRejected("t1"))
	require.False(t, a.consumeRejected("t1"))
}

// TestProperty7_AtMostOneActiveTurn: a second Stream call while the first
// is in flight does not corrupt state — each turn's events stay separate.
func TestProperty7_AtMostOneActiveTurn(t *testing.T) {
	firstTurnDone := make(chan struct{})
	h := newHarness(t, AdapterConfig{WorkDir: "/workspace"},
		func(ctx context.Context, conn *acp.AgentSideConnection, sid acp.SessionId) acp.StopReason {
			_ = conn.SessionUpdate(ctx, acp.SessionNotification{SessionId: sid, Update: textBlock("first")})
			<-firstTurnDone
			return acp.StopReasonEndTurn
		},
		func(ctx context.Context, conn *acp.AgentSideConnection, sid acp.SessionId) acp.StopReason {
			_ = conn.SessionUpdate(ctx, acp.SessionNotification{SessionId: sid, Update: textBlock("second")})
			return acp.StopReasonEndTurn
		},
	)

	ctx := context.Background()
	_, _, err := h.adapter.NewSession(ctx)
	require.NoError(t, err)

	out1, errc1 := h.adapter.Stream(ctx, "default", "one")

	var firstText string
	msg := <-out1
	firstText += msg.Text

	// Start the second turn while the first is still in flight.
	out2, errc2 := h.adapter.Stream(ctx, "default", "two")

	close(firstTurnDone)
	for msg := range out1 {
		firstText += msg.Text
	}
	require.NoError(t, <-errc1)
	require.Equal(t, "first", firstText)

	var secondText string
	for msg := range out2 {
		secondText += msg.Text
	}
	require.NoError(t, <-errc2)
	require.Equal(t, "second", secondText)
}
