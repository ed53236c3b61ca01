package gear

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"axis.run/meridian/internal/sandbox"
	"axis.run/meridian/pkg/envelope"
)

// Handler builds a router.Handler that dispatches an execute.request to the
// target Gear's sandbox.Supervisor and relays its result or error back as
// the reply payload (§4.3 execute step, §4.6). Declared environment
// variables are pulled from the host process's own environment for
// whichever names the target Gear's manifest lists, matching
// BuildEnvironment's "only variables both declared and present pass
// through" contract.
func (r *Registry) Handler() func(ctx context.Context, msg envelope.AxisMessage, cancel <-chan struct{}) (envelope.AxisMessage, error) {
	return func(ctx context.Context, msg envelope.AxisMessage, cancel <-chan struct{}) (envelope.AxisMessage, error) {
		var req sandbox.ExecuteRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return envelope.AxisMessage{}, fmt.Errorf("gear: decode execute.request: %w", err)
		}
		req.CorrelationID = msg.ID

		sup := r.Supervisor(req.Gear)
		if sup == nil {
			return envelope.AxisMessage{}, fmt.Errorf("gear: no such gear %q", req.Gear)
		}

		declared := r.declaredEnv(req.Gear)
		result, execErr, err := sup.Execute(ctx, req, r.keys.SecretsDir, declared)
		if err != nil {
			return envelope.AxisMessage{}, err
		}

		payload, err := json.Marshal(struct {
			Result *sandbox.ExecuteResponse `json:"result,omitempty"`
			Error  *sandbox.ExecuteError    `json:"error,omitempty"`
		}{Result: result, Error: execErr})
		if err != nil {
			return envelope.AxisMessage{}, fmt.Errorf("gear: marshal reply: %w", err)
		}

		return envelope.AxisMessage{
			ID:            req.CorrelationID,
			CorrelationID: req.CorrelationID,
			Timestamp:     time.Now().UTC(),
			From:          req.Gear,
			To:            msg.From,
			Type:          envelope.TypeExecuteRequest,
			Payload:       payload,
		}, nil
	}
}

func (r *Registry) declaredEnv(gearID string) map[string]string {
	m := r.Manifest(gearID)
	if m == nil {
		return nil
	}
	env := make(map[string]string, len(m.Permissions.EnvVars))
	for _, name := range m.Permissions.EnvVars {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}
	return env
}
