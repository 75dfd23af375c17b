// ABOUTME: Tool approval policies applied to proposed tool calls
// ABOUTME: Decides approve or reject per call, or defers whole batches to a human

package approval

import (
	"fmt"
	"slices"
	"strings"
)

// Mode selects how proposed tool calls are resolved.
type Mode string

const (
	// ModeAllowAll approves every proposed call.
	ModeAllowAll Mode = "allow_all"
	// ModeDenyAll rejects every proposed call.
	ModeDenyAll Mode = "deny_all"
	// ModeAllowlist approves calls whose tool name is listed and rejects
	// the rest.
	ModeAllowlist Mode = "allowlist"
	// ModeManual defers the whole batch to an operator decision.
	ModeManual Mode = "manual"
)

// ParseMode validates a mode string from configuration.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAllowAll, ModeDenyAll, ModeAllowlist, ModeManual:
		return Mode(s), nil
	case "":
		return ModeDenyAll, nil
	default:
		return "", fmt.Errorf("unknown approval mode %q", s)
	}
}

// Verdict is the outcome for a single tool call.
type Verdict string

const (
	Approve Verdict = "approve"
	Reject  Verdict = "reject"
)

// ToolCall is one proposed call as announced by the backend.
type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args string `json:"args,omitempty"`
}

// Decision resolves one tool call by id.
type Decision struct {
	ToolCallID string  `json:"tool_call_id"`
	Verdict    Verdict `json:"decision"`
}

// Policy evaluates proposed tool calls against a configured mode.
type Policy struct {
	mode      Mode
	allowlist []string
}

// NewPolicy builds a policy. Allowlist entries are matched case-insensitively
// against tool names and are only consulted in allowlist mode.
func NewPolicy(mode Mode, allowlist []string) (*Policy, error) {
	if mode == ModeAllowlist && len(allowlist) == 0 {
		return nil, fmt.Errorf("allowlist mode requires at least one tool name")
	}
	normalized := make([]string, 0, len(allowlist))
	for _, name := range allowlist {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			normalized = append(normalized, name)
		}
	}
	return &Policy{mode: mode, allowlist: normalized}, nil
}

// Mode returns the configured mode.
func (p *Policy) Mode() Mode {
	return p.mode
}

// Evaluate produces a decision per call. resolved reports whether the batch
// is fully decided; in manual mode no decisions are produced and the run
// stays suspended until an operator resolves it.
func (p *Policy) Evaluate(calls []ToolCall) (decisions []Decision, resolved bool) {
	if p.mode == ModeManual {
		return nil, false
	}

	decisions = make([]Decision, 0, len(calls))
	for _, call := range calls {
		decisions = append(decisions, Decision{
			ToolCallID: call.ID,
			Verdict:    p.verdict(call),
		})
	}
	return decisions, true
}

func (p *Policy) verdict(call ToolCall) Verdict {
	switch p.mode {
	case ModeAllowAll:
		return Approve
	case ModeAllowlist:
		if slices.Contains(p.allowlist, strings.ToLower(call.Name)) {
			return Approve
		}
		return Reject
	default:
		return Reject
	}
}
