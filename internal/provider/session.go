package provider

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/kandev/acp-adapter/internal/common/constants"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ModelState mirrors the peer's session-model snapshot (spec.md §3's
// Session "optional model-state").
type ModelState struct {
	AvailableModels []acp.ModelInfo
	CurrentModelID  string
}

// clientRequest is the sum type T1 dispatches (spec §4.2): NewSession,
// SetModel, Prompt, or Shutdown.
type clientRequest interface{ isClientRequest() }

type newSessionRequest struct {
	sessionKey string
	reply      chan newSessionResult
}

func (*newSessionRequest) isClientRequest() {}

type newSessionResult struct {
	sessionID string
	models    *ModelState
	err       error
}

type setModelRequest struct {
	sessionID string
	modelID   string
	reply     chan error
}

func (*setModelRequest) isClientRequest() {}

type promptTurnRequest struct {
	sessionID string
	text      string
	updates   chan StreamEvent
}

func (*promptTurnRequest) isClientRequest() {}

type shutdownRequest struct {
	done chan struct{}
}

func (*shutdownRequest) isClientRequest() {}

// protocolTask is C2: owns the byte-stream connection and the single
// background task that is the sole reader/writer of outbound requests on
// it (inbound dispatch is handled by the SDK's own read loop, which invokes
// *client's methods concurrently with whatever T1 is doing).
type protocolTask struct {
	conn   *acp.ClientSideConnection
	client *client
	cfg    AdapterConfig
	logger *zap.Logger
	cmd    *exec.Cmd

	requests chan clientRequest

	mu         sync.Mutex
	sessionMap map[string]acp.SessionId
	resolving  map[string]chan struct{} // ensure_session guard (supplemented behavior)

	caps acp.McpCapabilities
}

func newProtocolTask(logger *zap.Logger, cfg AdapterConfig, cl *client, conn *acp.ClientSideConnection, cmd *exec.Cmd) *protocolTask {
	return &protocolTask{
		conn:       conn,
		client:     cl,
		cfg:        cfg,
		logger:     logger,
		cmd:        cmd,
		requests:   make(chan clientRequest),
		sessionMap: make(map[string]acp.SessionId),
		resolving:  make(map[string]chan struct{}),
	}
}

// initialize issues the protocol's initialize request (spec §4.2 startup
// step 4). On success it remembers the peer's advertised MCP capabilities.
func (t *protocolTask) initialize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, constants.InitTimeout)
	defer cancel()

	resp, err := t.conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
	})
	if err != nil {
		return newError(KindInitFailed, "initialize failed", err)
	}
	t.caps = resp.AgentCapabilities.McpCapabilities
	return nil
}

// run drains the ClientRequest channel until Shutdown or the process exits
// (spec §4.2 / §5's T1). processExited fires when the subprocess variant's
// child process terminates out from under the connection; it is nil for
// pre-built-pipe (test) transports.
func (t *protocolTask) run(ctx context.Context, processExited <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-processExited:
			return
		case req, ok := <-t.requests:
			if !ok {
				return
			}
			switch r := req.(type) {
			case *newSessionRequest:
				t.handleNewSession(ctx, r)
			case *setModelRequest:
				t.handleSetModel(ctx, r)
			case *promptTurnRequest:
				t.handlePrompt(ctx, r)
			case *shutdownRequest:
				close(r.done)
				return
			}
		}
	}
}

func (t *protocolTask) handleNewSession(ctx context.Context, r *newSessionRequest) {
	servers := extensionConfigsToMCPServers(t.logger, t.cfg.Extensions, t.caps)

	resp, err := t.conn.NewSession(ctx, acp.NewSessionRequest{
		Cwd:        t.cfg.WorkDir,
		McpServers: servers,
	})
	if err != nil {
		r.reply <- newSessionResult{err: newError(KindRequestFailed, "new_session failed", err)}
		return
	}

	if t.cfg.SessionModeID != "" {
		if err := t.applySessionMode(ctx, resp.SessionId, resp.Modes); err != nil {
			r.reply <- newSessionResult{err: err}
			return
		}
	}

	t.mu.Lock()
	t.sessionMap[r.sessionKey] = resp.SessionId
	t.mu.Unlock()

	var models *ModelState
	if resp.Models != nil {
		models = &ModelState{
			AvailableModels: resp.Models.AvailableModels,
			CurrentModelID:  string(resp.Models.CurrentModelId),
		}
	}
	r.reply <- newSessionResult{sessionID: string(resp.SessionId), models: models}
}

// applySessionMode sends set_session_mode iff the requested mode is offered
// and differs from the session's current mode (spec §4.2, the
// apply_session_mode supplemented behavior in SPEC_FULL.md).
func (t *protocolTask) applySessionMode(ctx context.Context, sid acp.SessionId, modes *acp.SessionModeState) error {
	if modes == nil {
		return fmt.Errorf("session mode %q requested but peer offers no modes", t.cfg.SessionModeID)
	}
	offered := false
	for _, m := range modes.AvailableModes {
		if string(m.Id) == t.cfg.SessionModeID {
			offered = true
			break
		}
	}
	if !offered {
		available := make([]string, 0, len(modes.AvailableModes))
		for _, m := range modes.AvailableModes {
			available = append(available, string(m.Id))
		}
		return fmt.Errorf("session mode %q not offered by peer; available: %v", t.cfg.SessionModeID, available)
	}
	if string(modes.CurrentModeId) == t.cfg.SessionModeID {
		return nil
	}
	if _, err := t.conn.SetSessionMode(ctx, acp.SetSessionModeRequest{
		SessionId: sid,
		ModeId:    acp.SessionModeId(t.cfg.SessionModeID),
	}); err != nil {
		return newError(KindRequestFailed, "set_session_mode failed", err)
	}
	return nil
}

// handleSetModel sends the untyped session/set_model call (SPEC_FULL.md's
// disclosed SESSION-MODEL RPC ASSUMPTION: no typed wrapper is confirmed to
// exist in the SDK, so this uses its generic extension-method escape hatch).
func (t *protocolTask) handleSetModel(ctx context.Context, r *setModelRequest) {
	_, err := t.conn.ExtMethod(ctx, "session/set_model", map[string]any{
		"sessionId": r.sessionID,
		"modelId":   r.modelID,
	})
	if err != nil {
		r.reply <- newError(KindRequestFailed, "session/set_model failed", err)
		return
	}
	r.reply <- nil
}

// handlePrompt stores the caller's sink in the client (C2's
// ActiveUpdateSink), sends prompt, and pushes a terminal Complete or Error
// event once the peer replies (spec §4.2's Prompt dispatch).
func (t *protocolTask) handlePrompt(ctx context.Context, r *promptTurnRequest) {
	t.client.setSink(r.updates)
	defer t.client.clearSink()

	resp, err := t.conn.Prompt(ctx, acp.PromptRequest{
		SessionId: acp.SessionId(r.sessionID),
		Prompt:    []acp.ContentBlock{acp.TextBlock(r.text)},
	})
	if err != nil {
		select {
		case r.updates <- StreamEvent{Kind: EventError, Text: err.Error()}:
		default:
		}
		return
	}
	select {
	case r.updates <- StreamEvent{Kind: EventComplete, StopReason: resp.StopReason}:
	default:
	}
}

// buildProtocolTask launches the configured subprocess and wires a
// client-side connection to its stdin/stdout. Tests use connectConn instead.
func buildProtocolTask(logger *zap.Logger, cfg AdapterConfig) (*protocolTask, *exec.Cmd, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Dir = cfg.WorkDir
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, newError(KindInitFailed, "failed to open peer stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, newError(KindInitFailed, "failed to open peer stdout", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, newError(KindInitFailed, "failed to launch peer process", err)
	}

	cl := newClient(logger, cfg.WorkDir, cfg.Permissions)
	conn := acp.NewClientSideConnection(cl, stdin, stdout)
	return newProtocolTask(logger, cfg, cl, conn, cmd), cmd, nil
}

// connectConn wires a client-side connection over a pre-built reader/writer
// pair (the test harness's io.Pipe transport — no subprocess involved).
func connectConn(logger *zap.Logger, cfg AdapterConfig, w io.Writer, r io.Reader) *protocolTask {
	cl := newClient(logger, cfg.WorkDir, cfg.Permissions)
	conn := acp.NewClientSideConnection(cl, w, r)
	return newProtocolTask(logger, cfg, cl, conn, nil)
}

// supervise runs T1 alongside a goroutine watching the subprocess (if any)
// for an unexpected exit (DOMAIN STACK's errgroup pairing). The child's exit
// stops T1; T1's exit does not stop the watcher, which returns only once the
// child exits (Close kills it).
func (t *protocolTask) supervise(ctx context.Context) *errgroup.Group {
	g, gctx := errgroup.WithContext(ctx)
	processExited := make(chan struct{})

	if t.cmd != nil {
		g.Go(func() error {
			_ = t.cmd.Wait()
			close(processExited)
			return nil
		})
	}
	g.Go(func() error {
		t.run(gctx, processExited)
		return nil
	})
	return g
}

// resolveSession implements ensure_session (spec §4.4 step 1, plus the
// lazy-mapping concurrency guard from SPEC_FULL.md's SUPPLEMENTED BEHAVIOR):
// looks up the peer session id for sessionKey, issuing new_session on first
// use. Concurrent callers resolving the same never-yet-mapped key wait on
// the first's result instead of each issuing their own new_session.
func (t *protocolTask) resolveSession(ctx context.Context, sessionKey string) (acp.SessionId, *ModelState, error) {
	t.mu.Lock()
	if sid, ok := t.sessionMap[sessionKey]; ok {
		t.mu.Unlock()
		return sid, nil, nil
	}
	if wait, inflight := t.resolving[sessionKey]; inflight {
		t.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
		t.mu.Lock()
		sid, ok := t.sessionMap[sessionKey]
		t.mu.Unlock()
		if !ok {
			return "", nil, fmt.Errorf("session resolution for %q failed in a concurrent caller", sessionKey)
		}
		return sid, nil, nil
	}
	done := make(chan struct{})
	t.resolving[sessionKey] = done
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.resolving, sessionKey)
		t.mu.Unlock()
		close(done)
	}()

	reply := make(chan newSessionResult, 1)
	select {
	case t.requests <- &newSessionRequest{sessionKey: sessionKey, reply: reply}:
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}

	select {
	case res := <-reply:
		if res.err != nil {
			return "", nil, res.err
		}
		return acp.SessionId(res.sessionID), res.models, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}
