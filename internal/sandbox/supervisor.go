package sandbox

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"axis.run/meridian/pkg/envelope"
)

// ExecuteRequest is the payload the parent sends over the child's stdin
// pipe, matching execute.request's {gear, action, parameters, stepId}.
type ExecuteRequest struct {
	Gear          string         `json:"gear"`
	Action        string         `json:"action"`
	Parameters    map[string]any `json:"parameters"`
	StepID        string         `json:"stepId"`
	CorrelationID string         `json:"correlationId"`
}

// ExecuteResponse is the payload the child returns over its stdout pipe on
// success; on failure the child instead returns an error envelope the
// caller converts to a classify.Kind.
type ExecuteResponse struct {
	Result     map[string]any `json:"result"`
	DurationMs int64          `json:"durationMs"`
	StepID     string         `json:"stepId"`
}

// ExecuteError is what the child returns on failure.
type ExecuteError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

// Supervisor spawns one child process per tool execution, builds its
// sandbox profile and environment, and exchanges signed envelopes with it
// over stdin/stdout pipes.
type Supervisor struct {
	manifest    *GearManifest
	workspace   string
	toolVersion string

	signingKey ed25519.PrivateKey
	childKey   ed25519.PublicKey // the child's key, used to verify its responses
	signerID   string
}

// NewSupervisor builds a Supervisor for one Gear. signingKey is the
// sandbox-scoped key the parent signs requests with; childKey is the public
// key the child is expected to sign its responses with.
func NewSupervisor(m *GearManifest, workspace, toolVersion string, signingKey ed25519.PrivateKey, childKey ed25519.PublicKey, signerID string) *Supervisor {
	return &Supervisor{
		manifest:    m,
		workspace:   workspace,
		toolVersion: toolVersion,
		signingKey:  signingKey,
		childKey:    childKey,
		signerID:    signerID,
	}
}

// Profile builds the OS-appropriate sandbox profile for the current host.
func (s *Supervisor) Profile(tempDir string) Profile {
	if runtime.GOOS == "darwin" {
		return BuildDarwinProfile(s.manifest, s.workspace, tempDir)
	}
	return BuildLinuxProfile(s.manifest)
}

// Execute spawns the Gear's entry point, sends a signed ExecuteRequest over
// its stdin, reads and verifies a signed response from its stdout, and
// returns the decoded result. The child's correlationId must echo the
// request's (§4.6 "IPC").
func (s *Supervisor) Execute(ctx context.Context, req ExecuteRequest, secretsDir string, declaredEnv map[string]string) (*ExecuteResponse, *ExecuteError, error) {
	if !s.manifest.HasAction(req.Action) {
		return nil, nil, fmt.Errorf("sandbox: gear %s has no declared action %s", s.manifest.ID, req.Action)
	}

	cmd := exec.CommandContext(ctx, s.manifest.EntryPoint)
	cmd.Dir = s.workspace
	cmd.Env = BuildEnvironment(s.manifest, s.workspace, s.toolVersion, secretsDir, os.Getenv("PATH"), declaredEnv)
	applyResourceLimits(cmd, s.manifest.Limits)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("sandbox: open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("sandbox: open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("sandbox: start child: %w", err)
	}

	msg, err := s.buildRequestMessage(req)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, nil, err
	}
	env, err := envelope.Sign(msg, s.signerID, s.signingKey)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, nil, fmt.Errorf("sandbox: sign request: %w", err)
	}

	enc := json.NewEncoder(stdin)
	if err := enc.Encode(env); err != nil {
		_ = cmd.Process.Kill()
		return nil, nil, fmt.Errorf("sandbox: write request envelope: %w", err)
	}
	_ = stdin.Close()

	var respEnv envelope.SignedEnvelope
	reader := bufio.NewReader(stdout)
	if err := json.NewDecoder(reader).Decode(&respEnv); err != nil {
		_ = cmd.Wait()
		return nil, nil, fmt.Errorf("sandbox: read response envelope: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		return nil, nil, fmt.Errorf("sandbox: child exited with error: %w", err)
	}

	if !envelope.Verify(&respEnv, s.childKey) {
		return nil, nil, fmt.Errorf("sandbox: response signature verification failed (produced invalid signed response)")
	}
	respMsg, err := respEnv.Message()
	if err != nil {
		return nil, nil, fmt.Errorf("sandbox: decode response message: %w", err)
	}
	if respMsg.CorrelationID != req.CorrelationID {
		return nil, nil, fmt.Errorf("sandbox: response correlationId %q does not echo request %q", respMsg.CorrelationID, req.CorrelationID)
	}

	var outcome struct {
		Result *ExecuteResponse `json:"result"`
		Error  *ExecuteError    `json:"error"`
	}
	if err := json.Unmarshal(respMsg.Payload, &outcome); err != nil {
		return nil, nil, fmt.Errorf("sandbox: decode response payload: %w", err)
	}
	return outcome.Result, outcome.Error, nil
}

func (s *Supervisor) buildRequestMessage(req ExecuteRequest) (envelope.AxisMessage, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return envelope.AxisMessage{}, fmt.Errorf("sandbox: marshal execute request: %w", err)
	}
	return envelope.AxisMessage{
		ID:            req.CorrelationID,
		CorrelationID: req.CorrelationID,
		Timestamp:     time.Now().UTC(),
		From:          s.signerID,
		To:            s.manifest.ID,
		Type:          envelope.TypeExecuteRequest,
		Payload:       payload,
	}, nil
}
