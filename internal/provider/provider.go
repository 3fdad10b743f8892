// Package provider adapts an external Agent-Client-Protocol peer into a
// streaming provider interface: it drives the bidirectional JSON-RPC
// session, translates ACP's turn-based updates into an internal event
// vocabulary, and mediates tool-call permission prompts against an
// operating-mode policy.
package provider

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/kandev/acp-adapter/internal/common/appctx"
	"github.com/kandev/acp-adapter/internal/common/constants"
	applog "github.com/kandev/acp-adapter/internal/common/logger"

	"github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Message is the caller-facing unit yielded by Stream: either a chunk of
// assistant-visible text/thought, a tool-call record, or a tool result.
// Exactly one of the payload fields is set per Message, mirroring
// StreamEvent's shape at the public boundary.
type Message struct {
	Text             string
	IsThought        bool
	ActionRequired   bool // user-visible, not model-visible (spec §4.4)
	ToolCallStart    *ToolCallStart
	ToolCallComplete *ToolCallResult
}

// ToolCallResult is the public projection of a completed tool call: id,
// terminal status, extracted text, and the computed is_error flag (spec
// §4.4's rejection-bookkeeping table).
type ToolCallResult struct {
	ID      string
	Status  acp.ToolCallStatus
	Text    string
	IsError bool
}

// Adapter is C4, the Provider Facade: the caller-facing object constructed
// by Connect. One Adapter owns one protocol task and serializes prompts
// through it (spec §4.4's "at most one active turn" invariant).
type Adapter struct {
	task   *protocolTask
	logger *zap.Logger
	cfg    AdapterConfig
	group  *errgroup.Group
	cancel context.CancelFunc

	mu       sync.Mutex
	rejected map[string]struct{}          // RejectedToolCalls
	pending  map[string]chan InternalDecision // PendingConfirmations
}

// Connect is C4's connect(config): spawns the configured peer process,
// performs initialize, and returns a ready Adapter. Fails with InitFailed
// if the peer's initialize does not succeed.
func Connect(ctx context.Context, cfg AdapterConfig, logger *zap.Logger) (*Adapter, error) {
	if logger == nil {
		logger = applog.Default().Zap()
	}
	cfg = cfg.Normalize()

	task, _, err := buildProtocolTask(logger, cfg)
	if err != nil {
		return nil, err
	}
	return newAdapter(ctx, task, cfg, logger)
}

// connectTest wires an Adapter over a pre-built reader/writer pair, for the
// two-sided test harness (no subprocess involved).
func connectTest(ctx context.Context, cfg AdapterConfig, logger *zap.Logger, rw io.ReadWriter) (*Adapter, error) {
	cfg = cfg.Normalize()
	task := connectConn(logger, cfg, rw, rw)
	return newAdapter(ctx, task, cfg, logger)
}

func newAdapter(ctx context.Context, task *protocolTask, cfg AdapterConfig, logger *zap.Logger) (*Adapter, error) {
	if err := task.initialize(ctx); err != nil {
		if task.cmd != nil {
			_ = task.cmd.Process.Kill()
		}
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	group := task.supervise(runCtx)

	return &Adapter{
		task:     task,
		logger:   logger,
		cfg:      cfg,
		group:    group,
		cancel:   cancel,
		rejected: make(map[string]struct{}),
		pending:  make(map[string]chan InternalDecision),
	}, nil
}

// NewSession is C4's new_session(): resolves (or creates) the peer session
// for the adapter's single implicit session key.
func (a *Adapter) NewSession(ctx context.Context) (string, *ModelState, error) {
	sid, models, err := a.task.resolveSession(ctx, defaultSessionKey)
	if err != nil {
		return "", nil, err
	}
	return string(sid), models, nil
}

// defaultSessionKey is the caller's session key when the embedding host
// does not distinguish multiple concurrent caller-visible sessions per
// Adapter (spec.md's SessionMap keys are opaque to this component).
const defaultSessionKey = "default"

// SetModel is C4's set_model(session_id, model_id).
func (a *Adapter) SetModel(ctx context.Context, sessionID, modelID string) error {
	reply := make(chan error, 1)
	select {
	case a.task.requests <- &setModelRequest{sessionID: sessionID, modelID: modelID, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FetchSupportedModels is C4's fetch_supported_models(): creates a
// throwaway session and returns its available-models list, never issuing a
// prompt (spec §4.4 invariant).
func (a *Adapter) FetchSupportedModels(ctx context.Context) ([]acp.ModelInfo, error) {
	_, models, err := a.task.resolveSession(ctx, "models-probe-"+uuid.New().String())
	if err != nil {
		return nil, err
	}
	if models == nil {
		return nil, nil
	}
	return models.AvailableModels, nil
}

// Stream is C4's stream(session_key, messages, tools): resolves the
// session, projects the latest user message, and yields Messages until the
// turn completes, errors, or ctx is cancelled. Closing the returned channel
// signals the end of the turn; the channel is also closed on error.
//
// Only the latest user-role message's text is sent to the peer (spec §4.4
// step 2 / §9's disclosed open question: prior history and non-text
// content are discarded at this layer by design).
func (a *Adapter) Stream(ctx context.Context, sessionKey, latestUserText string) (<-chan Message, <-chan error) {
	out := make(chan Message)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		sid, _, err := a.task.resolveSession(ctx, sessionKey)
		if err != nil {
			errc <- err
			return
		}

		updates := make(chan StreamEvent, 16)
		select {
		case a.task.requests <- &promptTurnRequest{sessionID: string(sid), text: latestUserText, updates: updates}:
		case <-ctx.Done():
			errc <- ctx.Err()
			return
		}

		for {
			select {
			case ev, ok := <-updates:
				if !ok {
					return
				}
				done, err := a.consume(ctx, ev, out, updates)
				if err != nil {
					errc <- err
					return
				}
				if done {
					return
				}
			case <-ctx.Done():
				// The caller dropped the stream mid-turn. The peer's Prompt
				// call may still be in flight; clearSink's defer in
				// handlePrompt won't run until it returns. Clear the sink
				// now so any permission request the peer issues in the
				// meantime is rejected at the protocol layer (spec §8 S7)
				// instead of blocking forever on an abandoned channel.
				a.task.client.clearSinkIfMatches(updates)
				return
			}
		}
	}()

	return out, errc
}

// consume handles one StreamEvent per C4's stream algorithm (spec §4.4
// step 4). Returns done=true when the turn has reached a terminal event.
// sink is this turn's update channel, passed through to handlePermissionRequest
// so a ctx cancellation while a permission request is outstanding can clear
// it immediately rather than waiting for Stream's own loop to unwind.
func (a *Adapter) consume(ctx context.Context, ev StreamEvent, out chan<- Message, sink chan StreamEvent) (bool, error) {
	switch ev.Kind {
	case EventText:
		out <- Message{Text: ev.Text}
		return false, nil

	case EventThought:
		out <- Message{Text: ev.Text, IsThought: true}
		return false, nil

	case EventToolCallStart:
		out <- Message{ToolCallStart: ev.ToolCallStart}
		return false, nil

	case EventToolCallComplete:
		tc := ev.ToolCallComplete
		wasRejected := a.consumeRejected(tc.ID)
		isErr := toolCallIsError(tc.Status, wasRejected, a.cfg.Permissions.RejectedToolStatus)
		out <- Message{ToolCallComplete: &ToolCallResult{
			ID:      tc.ID,
			Status:  tc.Status,
			Text:    toolCallContentText(tc.Content),
			IsError: isErr,
		}}
		return false, nil

	case EventPermissionRequest:
		return false, a.handlePermissionRequest(ctx, ev.PermissionReq, out, sink)

	case EventComplete:
		return true, nil

	case EventError:
		return true, classifyError(ev.Text)

	default:
		return false, nil
	}
}

// handlePermissionRequest implements spec §4.4's PermissionRequest branch.
// client.go's RequestPermission is the goroutine actually awaiting
// req.ReplySlot and translating the delivered InternalDecision via C1; this
// method's job is only to produce that decision (auto-decide) or register
// the request so an external caller's HandlePermissionConfirmation can
// produce it later, plus surface the right Message to the stream.
func (a *Adapter) handlePermissionRequest(ctx context.Context, req *PermissionRequestEvent, out chan<- Message, sink chan StreamEvent) error {
	if decision, ok := a.cfg.Mode.autoDecision(); ok {
		a.recordIfRejecting(req.ToolCallID, decision)
		req.ReplySlot <- decision
		close(req.ReplySlot)
		return nil
	}

	a.mu.Lock()
	a.pending[req.ToolCallID] = req.ReplySlot
	a.mu.Unlock()

	select {
	case out <- Message{ActionRequired: true, Text: buildActionRequiredMessage(req)}:
		return nil
	case <-ctx.Done():
		// Clear the sink before waking the pending waiter: otherwise the
		// peer, unblocked by the Cancel reply, could issue another
		// permission request that races this goroutine's own unwind and
		// gets forwarded into a sink nobody will ever read again.
		a.task.client.clearSinkIfMatches(sink)
		a.cancelPending(req.ToolCallID)
		return nil
	}
}

// cancelPending defaults a still-outstanding permission request to Cancel
// and removes it from PendingConfirmations (spec §5's cancellation
// semantics: a dropped stream's pending one-shot wakes its awaiter with
// Cancel rather than hanging forever).
func (a *Adapter) cancelPending(toolCallID string) {
	a.mu.Lock()
	reply, ok := a.pending[toolCallID]
	delete(a.pending, toolCallID)
	a.mu.Unlock()
	if !ok {
		return
	}
	a.recordIfRejecting(toolCallID, DecisionCancel)
	reply <- DecisionCancel
	close(reply)
}

// buildActionRequiredMessage renders the user-visible action-required text:
// "{title}\n\n{suggested_prompt}" when the peer's tool call carries a text
// content block, else just the title (SUPPLEMENTED BEHAVIOR in
// SPEC_FULL.md, from the Rust original's build_action_required_message,
// which reads the suggested prompt from request.tool_call.fields.content —
// the same ToolCallContent list toolCallContentText already extracts text
// from for completed tool calls).
func buildActionRequiredMessage(req *PermissionRequestEvent) string {
	title := req.Title
	if title == "" {
		title = req.Kind
	}
	suggested := toolCallContentText(req.Content)
	if strings.TrimSpace(suggested) == "" {
		return title
	}
	return title + "\n\n" + suggested
}

// recordIfRejecting inserts toolCallID into RejectedToolCalls when decision
// counts as rejecting (spec §4.4's rejection bookkeeping).
func (a *Adapter) recordIfRejecting(toolCallID string, decision InternalDecision) {
	if !decision.isRejecting() {
		return
	}
	a.mu.Lock()
	a.rejected[toolCallID] = struct{}{}
	a.mu.Unlock()
}

// consumeRejected reports whether toolCallID was rejected this turn and
// removes it from RejectedToolCalls (observed at most once, per spec §4.4).
func (a *Adapter) consumeRejected(toolCallID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, was := a.rejected[toolCallID]
	delete(a.rejected, toolCallID)
	return was
}

// HandlePermissionConfirmation delivers an externally-sourced user decision
// for a pending permission request. Returns whether a waiter was resolved.
func (a *Adapter) HandlePermissionConfirmation(toolCallID string, decision InternalDecision) bool {
	a.mu.Lock()
	reply, ok := a.pending[toolCallID]
	delete(a.pending, toolCallID)
	a.mu.Unlock()
	if !ok {
		return false
	}
	a.recordIfRejecting(toolCallID, decision)
	reply <- decision
	close(reply)
	return true
}

// Complete is C4's complete(...) convenience: drains Stream and concatenates
// all text chunks into a single assistant message.
func (a *Adapter) Complete(ctx context.Context, sessionKey, latestUserText string) (string, error) {
	out, errc := a.Stream(ctx, sessionKey, latestUserText)
	var sb strings.Builder
	for msg := range out {
		if !msg.IsThought && !msg.ActionRequired && msg.ToolCallStart == nil && msg.ToolCallComplete == nil {
			sb.WriteString(msg.Text)
		}
	}
	if err := <-errc; err != nil {
		return sb.String(), err
	}
	return sb.String(), nil
}

// Close is T3, the drop task (spec §5): sends Shutdown and tears down the
// supervised goroutine pair. The child process (if any) is killed on
// context cancellation if it has not already exited. Close is bounded by
// ShutdownTimeout regardless of ctx's own deadline, so a caller that passes
// an already-cancelled or deadline-less context still gets a prompt return.
func (a *Adapter) Close(ctx context.Context) error {
	stopCh := make(chan struct{})
	shutdownCtx, cancelShutdown := appctx.Detached(ctx, stopCh, constants.ShutdownTimeout)
	defer cancelShutdown()

	done := make(chan struct{})
	select {
	case a.task.requests <- &shutdownRequest{done: done}:
		select {
		case <-done:
		case <-shutdownCtx.Done():
		}
	default:
	}
	close(stopCh)

	a.cancel()
	if a.task.cmd != nil && a.task.cmd.Process != nil {
		_ = a.task.cmd.Process.Kill()
	}
	_ = shutdownTracing(ctx)
	return a.group.Wait()
}
