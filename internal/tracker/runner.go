package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
)

// Error taxonomy codes surfaced in gateway results.
const (
	CodeInvalidBeadID    = "INVALID_BEAD_ID"
	CodeBeadNotFound     = "BEAD_NOT_FOUND"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeInvalidStatus    = "INVALID_STATUS"
	CodeEpicCloseBlocked = "EPIC_CLOSE_BLOCKED"
	CodeCommandFailed    = "COMMAND_FAILED"
	CodeGatewayBusy      = "GATEWAY_BUSY"
	CodeRequestCancelled = "REQUEST_CANCELLED"
)

// ResultError carries a taxonomy code and a human-readable message.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the discriminated outcome of a tracker operation. Failures
// are data, never a fault that escapes the gate.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ResultError    `json:"error,omitempty"`
}

func failure(code, message string) Result {
	return Result{Success: false, Error: &ResultError{Code: code, Message: message}}
}

func success(data interface{}) Result {
	raw, err := json.Marshal(data)
	if err != nil {
		return failure(CodeCommandFailed, "encode result: "+err.Error())
	}
	return Result{Success: true, Data: raw}
}

// ExecOpts scopes a command invocation to a project.
type ExecOpts struct {
	// Dir is the working directory for the command.
	Dir string
	// DataDir overrides the issue database location when set.
	DataDir string
}

// Runner invokes one issue-tracker command. Production uses the bd CLI;
// tests substitute a recording fake.
type Runner interface {
	Run(ctx context.Context, op string, args []string, opts ExecOpts) Result
}

// CLIRunner shells out to the bd binary with JSON output.
type CLIRunner struct {
	Binary string
}

// NewCLIRunner creates a runner for the given bd binary ("bd" if
// empty).
func NewCLIRunner(binary string) *CLIRunner {
	if binary == "" {
		binary = "bd"
	}
	return &CLIRunner{Binary: binary}
}

// Run invokes `bd <op> <args...> --json` and maps the outcome into a
// Result. Non-JSON output from a successful command is wrapped as a
// plain message.
func (r *CLIRunner) Run(ctx context.Context, op string, args []string, opts ExecOpts) Result {
	full := append([]string{op}, args...)
	full = append(full, "--json")

	cmd := exec.CommandContext(ctx, r.Binary, full...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if opts.DataDir != "" {
		cmd.Env = append(cmd.Environ(), "BEADS_DIR="+opts.DataDir)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return failure(CodeCommandFailed, msg)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return success(map[string]string{"message": "ok"})
	}
	if json.Valid(out) {
		return Result{Success: true, Data: json.RawMessage(out)}
	}
	return success(map[string]string{"message": string(out)})
}
