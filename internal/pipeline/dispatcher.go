// Package pipeline implements the per-job orchestrator described in spec
// §4.3: plan → validate → approve → execute → reflect, enforcing the
// information barrier between planner and validator and honoring a
// caller-supplied cancel token at every dispatch boundary.
//
// Grounded on task-dispatcher/component.go's dispatchTask/runTaskAsync shape
// for the single-step dispatch-and-classify-the-outcome idiom, generalized
// from task-dispatcher's DAG-of-tasks fan-out (not needed here: §5 requires
// steps within one Job to run strictly sequentially) to a straight-line
// five-stage flow over router.Router.
package pipeline

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"axis.run/meridian/pkg/envelope"
)

// EnvelopeRouter is the subset of router.Router the pipeline depends on.
// Declaring it here (rather than importing *router.Router directly) lets
// tests substitute a fake without spinning up real signing keys and a replay
// window.
type EnvelopeRouter interface {
	Dispatch(ctx context.Context, env *envelope.SignedEnvelope, cancel <-chan struct{}) (*envelope.SignedEnvelope, error)
}

// Dispatcher sends one typed request to a named component and returns its
// decoded reply. Implementations are responsible for signing the outbound
// envelope and verifying the inbound one. Callers pre-marshal payload so
// they can scrub it (e.g. the information-barrier check ahead of
// validate.request) before it ever becomes wire bytes.
type Dispatcher interface {
	Dispatch(ctx context.Context, msgType envelope.MessageType, to, jobID string, payload json.RawMessage, cancel <-chan struct{}) (envelope.AxisMessage, error)
}

// RouterDispatcher is the production Dispatcher: it signs requests as
// signerID, sends them through an EnvelopeRouter, and verifies the reply
// against the router's own public key.
type RouterDispatcher struct {
	router    EnvelopeRouter
	signerID  string
	priv      ed25519.PrivateKey
	routerPub ed25519.PublicKey
}

// NewRouterDispatcher builds a RouterDispatcher that signs as signerID using
// priv, trusting routerPub to verify the router's signed replies.
func NewRouterDispatcher(r EnvelopeRouter, signerID string, priv ed25519.PrivateKey, routerPub ed25519.PublicKey) *RouterDispatcher {
	return &RouterDispatcher{router: r, signerID: signerID, priv: priv, routerPub: routerPub}
}

// Dispatch implements Dispatcher.
func (d *RouterDispatcher) Dispatch(ctx context.Context, msgType envelope.MessageType, to, jobID string, payload json.RawMessage, cancel <-chan struct{}) (envelope.AxisMessage, error) {
	msg := envelope.AxisMessage{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		From:      d.signerID,
		To:        to,
		Type:      msgType,
		Payload:   payload,
		JobID:     jobID,
	}

	env, err := envelope.Sign(msg, d.signerID, d.priv)
	if err != nil {
		return envelope.AxisMessage{}, fmt.Errorf("pipeline: sign %s request: %w", msgType, err)
	}

	reply, err := d.router.Dispatch(ctx, env, cancel)
	if err != nil {
		return envelope.AxisMessage{}, err
	}
	if !envelope.Verify(reply, d.routerPub) {
		return envelope.AxisMessage{}, fmt.Errorf("pipeline: %s reply failed signature verification", msgType)
	}
	return reply.Message()
}
