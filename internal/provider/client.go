package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coder/acp-go-sdk"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// client implements acp.Client: it is the inbound half of C2, invoked by the
// SDK's connection read loop for every notification and request the peer
// sends. It owns no transport state of its own beyond the active turn's
// sink — the connection itself is owned by the protocol task (session.go).
type client struct {
	logger        *zap.Logger
	workspaceRoot string
	permissions   PermissionMapping

	mu   sync.RWMutex
	sink chan<- StreamEvent // set for the duration of one turn; nil otherwise
}

func newClient(logger *zap.Logger, workspaceRoot string, permissions PermissionMapping) *client {
	return &client{
		logger:        logger,
		workspaceRoot: workspaceRoot,
		permissions:   permissions,
	}
}

// setSink installs the active turn's sink. Called by session.go when a
// Prompt is dispatched.
func (c *client) setSink(sink chan<- StreamEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// clearSink removes the active turn's sink. Called by session.go when the
// prompt completes or errors.
func (c *client) clearSink() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = nil
}

// clearSinkIfMatches removes the active sink only if it is still the given
// channel. Called by Stream's caller-side goroutine when its ctx is
// cancelled mid-turn (the caller dropped the stream): the peer's Prompt
// call is still in flight server-side, so clearSink's normal defer hasn't
// run yet, but nothing will ever read from sink again. The match check
// keeps this from clobbering a later turn's sink if setSink already
// reassigned it by the time this runs.
func (c *client) clearSinkIfMatches(sink chan<- StreamEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sink == sink {
		c.sink = nil
	}
}

func (c *client) activeSink() chan<- StreamEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sink
}

// SessionUpdate handles session/notification from the peer (C2's inbound
// notification handler + C3 translation). If no turn is active, or the
// sink is full, the event is dropped — the turn is not listening.
func (c *client) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	if debugMode {
		if raw, err := json.Marshal(n); err == nil {
			logRawUpdate(string(n.SessionId), raw)
		}
	}
	ev := translateUpdate(n.Update)
	logTranslatedEvent(string(n.SessionId), ev)
	traceTranslatedEvent(ctx, string(n.SessionId), updateTag(n.Update), ev)

	if ev == nil {
		return nil
	}

	sink := c.activeSink()
	if sink == nil {
		return nil
	}

	select {
	case sink <- *ev:
	default:
		c.logger.Warn("updates sink full, dropping event", zap.String("session_id", string(n.SessionId)))
	}
	return nil
}

// RequestPermission handles request_permission from the peer (C2's inbound
// request handler). It forwards a PermissionRequestEvent into the active
// sink and awaits the caller's InternalDecision with no internal timeout,
// then maps it through C1 into the peer's option-id vocabulary.
func (c *client) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	ctx, span := traceProtocolRequest(ctx, string(p.SessionId), "request_permission")
	defer span.End()
	span.SetAttributes(
		attribute.String("tool_call_id", string(p.ToolCall.ToolCallId)),
		attribute.Int("options_count", len(p.Options)),
	)

	sink := c.activeSink()
	if sink == nil {
		return acp.RequestPermissionResponse{}, fmt.Errorf("no active turn: permission request for %q arrived outside a prompt", p.ToolCall.ToolCallId)
	}

	title := ""
	if p.ToolCall.Title != nil {
		title = *p.ToolCall.Title
	}
	kind := ""
	if p.ToolCall.Kind != nil {
		kind = string(*p.ToolCall.Kind)
	}
	rawInput, _ := p.ToolCall.RawInput.(map[string]any)

	reply := make(chan InternalDecision, 1)
	req := &PermissionRequestEvent{
		SessionID:  string(p.SessionId),
		ToolCallID: string(p.ToolCall.ToolCallId),
		Title:      title,
		Kind:       kind,
		RawInput:   rawInput,
		Content:    p.ToolCall.Content,
		Options:    p.Options,
		ReplySlot:  reply,
	}

	select {
	case sink <- StreamEvent{Kind: EventPermissionRequest, PermissionReq: req}:
	case <-ctx.Done():
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
		}, nil
	}

	decision, ok := <-reply
	if !ok {
		decision = DecisionCancel
	}

	outcome := mapPermissionResponse(c.permissions, p.Options, decision)
	if outcome.cancelled {
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
		}, nil
	}
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: outcome.selected},
		},
	}, nil
}

// resolvePath resolves a file path, making relative paths relative to the
// workspace root. It validates that the resolved path stays within the
// workspace root to prevent path traversal.
func (c *client) resolvePath(reqPath string) (string, error) {
	var resolved string
	if filepath.IsAbs(reqPath) {
		resolved = filepath.Clean(reqPath)
	} else {
		resolved = filepath.Join(c.workspaceRoot, reqPath)
	}
	root := filepath.Clean(c.workspaceRoot) + string(filepath.Separator)
	if resolved != filepath.Clean(c.workspaceRoot) && !strings.HasPrefix(resolved, root) {
		return "", fmt.Errorf("path %q resolves outside workspace root %q", reqPath, c.workspaceRoot)
	}
	return resolved, nil
}

// ReadTextFile reads a text file within the workspace.
func (c *client) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	_, span := traceProtocolRequest(ctx, "", "read_text_file")
	defer span.End()
	span.SetAttributes(attribute.String("path", p.Path))

	filePath, err := c.resolvePath(p.Path)
	if err != nil {
		span.RecordError(err)
		return acp.ReadTextFileResponse{}, err
	}

	b, err := os.ReadFile(filePath)
	if err != nil {
		span.RecordError(err)
		return acp.ReadTextFileResponse{}, err
	}
	content := string(b)

	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 0 {
			start = *p.Line - 1
			if start > len(lines) {
				start = len(lines)
			}
		}
		end := len(lines)
		if p.Limit != nil && *p.Limit > 0 && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}

	return acp.ReadTextFileResponse{Content: content}, nil
}

// WriteTextFile writes a text file within the workspace, creating parent
// directories as needed.
func (c *client) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	_, span := traceProtocolRequest(ctx, "", "write_text_file")
	defer span.End()
	span.SetAttributes(attribute.String("path", p.Path), attribute.Int("content_length", len(p.Content)))

	filePath, err := c.resolvePath(p.Path)
	if err != nil {
		span.RecordError(err)
		return acp.WriteTextFileResponse{}, err
	}

	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			span.RecordError(err)
			return acp.WriteTextFileResponse{}, err
		}
	}

	if err := os.WriteFile(filePath, []byte(p.Content), 0o644); err != nil {
		span.RecordError(err)
		return acp.WriteTextFileResponse{}, err
	}
	return acp.WriteTextFileResponse{}, nil
}

// Terminal operations are not supported by this adapter: it mediates
// ACP↔provider streaming, not a sandboxed execution environment. Peers
// that probe for terminal support see these as unimplemented.
func (c *client) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{}, fmt.Errorf("terminal operations not supported")
}

func (c *client) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, fmt.Errorf("terminal operations not supported")
}

func (c *client) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, fmt.Errorf("terminal operations not supported")
}

func (c *client) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, fmt.Errorf("terminal operations not supported")
}

func (c *client) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, fmt.Errorf("terminal operations not supported")
}

var _ acp.Client = (*client)(nil)
