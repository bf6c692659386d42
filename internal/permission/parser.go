package permission

import (
	"regexp"
	"strings"
)

// EventKind classifies one line of agent output.
type EventKind string

const (
	KindPermissionRequest EventKind = "permission_request"
	KindToolUse           EventKind = "tool_use"
	KindOutput            EventKind = "output"
)

// Event is a classified line of session output.
type Event struct {
	Kind        EventKind `json:"kind"`
	SessionID   string    `json:"sessionId"`
	Line        string    `json:"line"`
	Tool        string    `json:"tool,omitempty"`
	AutoHandled bool      `json:"autoHandled,omitempty"`
	Response    string    `json:"response,omitempty"`
}

// Prompt shapes observed in agent output. Tool names are captured when
// the prompt includes one ("Do you want to allow Bash execute ls?").
var (
	allowPromptRe   = regexp.MustCompile(`(?i)^\s*do you want to allow\s+([A-Za-z][A-Za-z0-9_-]*)`)
	proceedPromptRe = regexp.MustCompile(`(?i)^\s*do you want to proceed`)
	bareAllowRe     = regexp.MustCompile(`(?i)^\s*allow\s+([A-Za-z][A-Za-z0-9_-]*)[^?]*\?`)

	toolUseBulletRe = regexp.MustCompile(`^\s*[●⏺]\s*([A-Za-z][A-Za-z0-9_-]*)\(`)
	toolUsePlainRe  = regexp.MustCompile(`(?i)^\s*using tool:\s*([A-Za-z][A-Za-z0-9_-]*)`)
)

// parser classifies the output stream of a single session. Each
// session owns its own instance; the only cross-line state is the most
// recently observed tool, used to attribute bare "Do you want to
// proceed?" prompts.
type parser struct {
	lastTool string
}

type classification struct {
	kind EventKind
	tool string
}

func (p *parser) classify(line string) classification {
	if m := toolUseBulletRe.FindStringSubmatch(line); m != nil {
		p.lastTool = m[1]
		return classification{kind: KindToolUse, tool: m[1]}
	}
	if m := toolUsePlainRe.FindStringSubmatch(line); m != nil {
		p.lastTool = m[1]
		return classification{kind: KindToolUse, tool: m[1]}
	}

	if m := allowPromptRe.FindStringSubmatch(line); m != nil {
		p.lastTool = m[1]
		return classification{kind: KindPermissionRequest, tool: m[1]}
	}
	if m := bareAllowRe.FindStringSubmatch(line); m != nil {
		p.lastTool = m[1]
		return classification{kind: KindPermissionRequest, tool: m[1]}
	}
	if proceedPromptRe.MatchString(line) {
		// Prompt without a tool name; attribute the last tool seen.
		return classification{kind: KindPermissionRequest, tool: p.lastTool}
	}
	if isPermissionWording(line) {
		return classification{kind: KindPermissionRequest, tool: p.lastTool}
	}

	return classification{kind: KindOutput}
}

// isPermissionWording is a looser fallback for prompt variants: a
// question mentioning permission or approval.
func isPermissionWording(line string) bool {
	trimmed := strings.TrimSpace(line)
	if !strings.HasSuffix(trimmed, "?") {
		return false
	}
	lower := strings.ToLower(trimmed)
	return strings.Contains(lower, "permission") || strings.Contains(lower, "approval")
}
