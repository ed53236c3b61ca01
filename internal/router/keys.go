package router

import (
	"crypto/ed25519"
	"fmt"
	"sync"
)

// KeyRegistry holds the public keys of known signers. Sandboxed Gear
// processes get an ephemeral entry for the lifetime of the child (§4.2).
//
// Grounded on the teacher's mutex-protected shared-state discipline used for
// Component.mu around running/startTime in processor/task-dispatcher/component.go.
type KeyRegistry struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewKeyRegistry returns an empty registry.
func NewKeyRegistry() *KeyRegistry {
	return &KeyRegistry{keys: make(map[string]ed25519.PublicKey)}
}

// Register adds or replaces the public key for signer.
func (r *KeyRegistry) Register(signer string, pub ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[signer] = pub
}

// Remove deletes the entry for signer, e.g. on sandbox teardown.
func (r *KeyRegistry) Remove(signer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.keys, signer)
}

// Lookup returns the public key for signer, or an error if unknown.
func (r *KeyRegistry) Lookup(signer string) (ed25519.PublicKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pub, ok := r.keys[signer]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSigner, signer)
	}
	return pub, nil
}
