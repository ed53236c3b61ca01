// Package router implements the signed-envelope message router described in
// spec §4.2: named-component dispatch with Ed25519 authentication and replay
// protection.
package router

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"axis.run/meridian/internal/audit"
	"axis.run/meridian/pkg/envelope"
)

// Handler processes one AxisMessage and returns a reply payload (or an
// error). cancel is propagated from the dispatch call so a handler can abort
// in-flight work when the caller's context is cancelled.
type Handler func(ctx context.Context, msg envelope.AxisMessage, cancel <-chan struct{}) (envelope.AxisMessage, error)

// Config controls replay-window and clock-skew tolerances (§4.2, §6).
type Config struct {
	ReplayWindow        time.Duration
	MaxReplayWindowSize int
	ClockSkewTolerance  time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		ReplayWindow:        60 * time.Second,
		MaxReplayWindowSize: 10_000,
		ClockSkewTolerance:  5 * time.Second,
	}
}

// Router dispatches signed envelopes to registered component handlers.
type Router struct {
	cfg    Config
	keys   *KeyRegistry
	replay *ReplayWindow
	audit  audit.Writer

	signer string // this router's own component ID, used to sign replies
	priv   ed25519.PrivateKey

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates a Router that signs its own replies as signer using priv, and
// registers pub as signer's own public key so replies can be self-verified
// by callers that already trust this process.
func New(signer string, priv ed25519.PrivateKey, pub ed25519.PublicKey, w audit.Writer, cfg Config) *Router {
	keys := NewKeyRegistry()
	keys.Register(signer, pub)
	return &Router{
		cfg:      cfg,
		keys:     keys,
		replay:   NewReplayWindow(cfg.ReplayWindow),
		audit:    w,
		signer:   signer,
		priv:     priv,
		handlers: make(map[string]Handler),
	}
}

// Keys exposes the key registry so callers can register additional signers
// (e.g. ephemeral sandbox keys, §4.2 "Ephemeral keys").
func (r *Router) Keys() *KeyRegistry { return r.keys }

// Register installs handler for componentID, replacing any prior handler.
func (r *Router) Register(componentID string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[componentID] = handler
}

// Dispatch verifies env, invokes the registered handler for its destination
// component, signs the reply, and returns it. Every dispatch writes one
// audit entry regardless of outcome.
func (r *Router) Dispatch(ctx context.Context, env *envelope.SignedEnvelope, cancel <-chan struct{}) (*envelope.SignedEnvelope, error) {
	now := time.Now().UTC()

	if err := r.verify(env, now); err != nil {
		r.writeAudit(ctx, audit.Entry{
			Actor:  env.Signer,
			Action: "dispatch.rejected",
			Target: "",
			Details: map[string]any{
				"messageId": env.MessageID,
				"reason":    err.Error(),
			},
		})
		return nil, err
	}

	msg, err := env.Message()
	if err != nil {
		err = fmt.Errorf("router: decode message: %w", err)
		r.writeAudit(ctx, audit.Entry{Actor: env.Signer, Action: "dispatch.rejected",
			Details: map[string]any{"messageId": env.MessageID, "reason": err.Error()}})
		return nil, err
	}

	r.mu.RLock()
	handler, ok := r.handlers[msg.To]
	r.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("%w: %s", ErrNoHandler, msg.To)
		r.writeAudit(ctx, audit.Entry{Actor: msg.From, Action: fmt.Sprintf("dispatch.%s", msg.Type), Target: msg.To, JobID: msg.JobID,
			Details: map[string]any{"messageId": msg.ID, "error": err.Error()}})
		return nil, err
	}

	reply, herr := handler(ctx, msg, cancel)

	r.writeAudit(ctx, audit.Entry{
		Actor:  msg.From,
		Action: fmt.Sprintf("dispatch.%s", msg.Type),
		Target: msg.To,
		JobID:  msg.JobID,
		Details: map[string]any{
			"messageId": msg.ID,
			"error":     errString(herr),
		},
	})

	if herr != nil {
		return nil, herr
	}

	signed, err := envelope.Sign(reply, r.signer, r.priv)
	if err != nil {
		return nil, fmt.Errorf("router: sign reply: %w", err)
	}
	return signed, nil
}

func (r *Router) verify(env *envelope.SignedEnvelope, now time.Time) error {
	pub, err := r.keys.Lookup(env.Signer)
	if err != nil {
		return authErr(err)
	}

	if now.Sub(env.Timestamp) > r.cfg.ReplayWindow {
		return authErr(ErrExpiredTimestamp)
	}
	if env.Timestamp.Sub(now) > r.cfg.ClockSkewTolerance {
		return authErr(ErrFutureTimestamp)
	}

	if !r.replay.CheckAndRemember(env.MessageID, now) {
		return authErr(ErrReplayedMessage)
	}

	if !envelope.Verify(env, pub) {
		return authErr(ErrBadSignature)
	}

	return nil
}

func (r *Router) writeAudit(ctx context.Context, entry audit.Entry) {
	if r.audit == nil {
		return
	}
	// Audit writes never block the dispatch path on failure; best effort.
	_ = r.audit.Write(ctx, entry)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
