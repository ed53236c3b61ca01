// Package envelope defines the signed message wrapper exchanged between
// Axis components and the canonical AxisMessage it carries.
package envelope

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the kind of request or reply carried in an AxisMessage.
type MessageType string

const (
	TypePlanRequest     MessageType = "plan.request"
	TypeValidateRequest MessageType = "validate.request"
	TypeExecuteRequest  MessageType = "execute.request"
	TypeReflectRequest  MessageType = "reflect.request"
)

// AxisMessage is the logical message wrapped by every SignedEnvelope.
type AxisMessage struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlationId"`
	Timestamp     time.Time       `json:"timestamp"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Type          MessageType     `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	JobID         string          `json:"jobId,omitempty"`
	ReplyTo       string          `json:"replyTo,omitempty"`
}

// SignedEnvelope wraps an AxisMessage with an Ed25519 signature.
type SignedEnvelope struct {
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
	Signer    string    `json:"signer"`
	Payload   []byte    `json:"payload"`
	Signature []byte    `json:"signature"`
}

// canonicalBytes returns the exact byte string signed: messageId|timestamp|signer|payload-json.
func canonicalBytes(messageID string, timestamp time.Time, signer string, payload []byte) []byte {
	ts := timestamp.UTC().Format(time.RFC3339Nano)
	buf := make([]byte, 0, len(messageID)+len(ts)+len(signer)+len(payload)+3)
	buf = append(buf, messageID...)
	buf = append(buf, '|')
	buf = append(buf, ts...)
	buf = append(buf, '|')
	buf = append(buf, signer...)
	buf = append(buf, '|')
	buf = append(buf, payload...)
	return buf
}

// Sign builds a SignedEnvelope for the given AxisMessage, signing it with priv.
func Sign(msg AxisMessage, signer string, priv ed25519.PrivateKey) (*SignedEnvelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	sig := ed25519.Sign(priv, canonicalBytes(msg.ID, ts, signer, payload))
	return &SignedEnvelope{
		MessageID: msg.ID,
		Timestamp: ts,
		Signer:    signer,
		Payload:   payload,
		Signature: sig,
	}, nil
}

// Verify checks the envelope's signature against pub. It does not check
// replay windows or clock skew; callers combine Verify with a replay window
// (see router.ReplayWindow) to fully implement the §4.2 verification steps.
func Verify(env *SignedEnvelope, pub ed25519.PublicKey) bool {
	if env == nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, canonicalBytes(env.MessageID, env.Timestamp, env.Signer, env.Payload), env.Signature)
}

// Message unmarshals the envelope's payload back into an AxisMessage.
func (e *SignedEnvelope) Message() (AxisMessage, error) {
	var msg AxisMessage
	if err := json.Unmarshal(e.Payload, &msg); err != nil {
		return AxisMessage{}, fmt.Errorf("unmarshal envelope payload: %w", err)
	}
	return msg, nil
}
