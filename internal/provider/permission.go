package provider

import "github.com/coder/acp-go-sdk"

// InternalDecision is the universe C1 operates over (spec §3).
type InternalDecision int

const (
	DecisionAllowAlways InternalDecision = iota
	DecisionAllowOnce
	DecisionRejectAlways
	DecisionRejectOnce
	DecisionCancel
)

func (d InternalDecision) String() string {
	switch d {
	case DecisionAllowAlways:
		return "allow_always"
	case DecisionAllowOnce:
		return "allow_once"
	case DecisionRejectAlways:
		return "reject_always"
	case DecisionRejectOnce:
		return "reject_once"
	case DecisionCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// isRejecting reports whether the decision counts as "rejecting" for
// RejectedToolCalls bookkeeping (spec §4.4): RejectOnce, RejectAlways, or
// Cancel.
func (d InternalDecision) isRejecting() bool {
	switch d {
	case DecisionRejectOnce, DecisionRejectAlways, DecisionCancel:
		return true
	default:
		return false
	}
}

// permissionOutcome is C1's result: either a selected option id, or
// cancelled.
type permissionOutcome struct {
	selected  acp.PermissionOptionId
	cancelled bool
}

// preferredKinds returns the kind to try first and its fallback kind for a
// given decision, per spec §4.1 step 2. Cancel has no kinds; callers must
// check for Cancel before calling this.
func preferredKinds(decision InternalDecision) (primary, fallback acp.PermissionOptionKind) {
	switch decision {
	case DecisionAllowOnce:
		return acp.PermissionOptionKindAllowOnce, acp.PermissionOptionKindAllowAlways
	case DecisionAllowAlways:
		return acp.PermissionOptionKindAllowAlways, acp.PermissionOptionKindAllowOnce
	case DecisionRejectOnce:
		return acp.PermissionOptionKindRejectOnce, acp.PermissionOptionKindRejectAlways
	case DecisionRejectAlways:
		return acp.PermissionOptionKindRejectAlways, acp.PermissionOptionKindRejectOnce
	default:
		return "", ""
	}
}

// preferredIDFor returns the configured override id to try first for a given
// decision (allow decisions consult PreferredAllowID, reject decisions
// consult PreferredRejectID).
func preferredIDFor(mapping PermissionMapping, decision InternalDecision) string {
	switch decision {
	case DecisionAllowOnce, DecisionAllowAlways:
		return mapping.PreferredAllowID
	case DecisionRejectOnce, DecisionRejectAlways:
		return mapping.PreferredRejectID
	default:
		return ""
	}
}

// selectOptionID implements spec §4.1 step 3: for a single kind, first try
// the preferred-id override iff that id is present among the offered
// options, regardless of that option's own kind; otherwise pick the first
// option whose kind matches. Returns ("", false) if neither matches.
func selectOptionID(options []acp.PermissionOption, preferredID string, kind acp.PermissionOptionKind) (acp.PermissionOptionId, bool) {
	if preferredID != "" {
		for _, opt := range options {
			if string(opt.OptionId) == preferredID {
				return opt.OptionId, true
			}
		}
	}
	for _, opt := range options {
		if opt.Kind == kind {
			return opt.OptionId, true
		}
	}
	return "", false
}

// mapPermissionResponse is C1: translate an InternalDecision plus the peer's
// offered options into a selected option id or "cancelled" (spec §4.1).
func mapPermissionResponse(mapping PermissionMapping, options []acp.PermissionOption, decision InternalDecision) permissionOutcome {
	if decision == DecisionCancel {
		return permissionOutcome{cancelled: true}
	}

	primary, fallback := preferredKinds(decision)
	preferredID := preferredIDFor(mapping, decision)

	if id, ok := selectOptionID(options, preferredID, primary); ok {
		return permissionOutcome{selected: id}
	}
	if id, ok := selectOptionID(options, preferredID, fallback); ok {
		return permissionOutcome{selected: id}
	}
	return permissionOutcome{cancelled: true}
}

// toolCallIsError computes the is_error flag per spec §4.4's exact table,
// given the tool call's terminal status, whether its permission was
// rejected this turn, and the configured rejected_tool_status.
func toolCallIsError(status acp.ToolCallStatus, wasRejected bool, rejectedToolStatus acp.ToolCallStatus) bool {
	if status == acp.ToolCallStatusFailed {
		return true
	}
	if status == acp.ToolCallStatusCompleted && wasRejected && rejectedToolStatus == acp.ToolCallStatusCompleted {
		return true
	}
	return false
}
