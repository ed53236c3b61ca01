package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
)

// SecretMaterial is a secret to be injected into a sandbox, already
// resolved by the caller (e.g. from a secret store). The buffer is zeroed
// by InjectSecrets immediately after being written to disk.
type SecretMaterial struct {
	Name  string
	Value []byte
}

// InjectSecrets writes each declared secret to a file in a fresh tempdir
// under parentTempDir, zeroing the in-memory buffer immediately after the
// write, and returns the tempdir path to set as SECRETS_DIR. The caller is
// responsible for calling the returned cleanup func on teardown (§4.6
// "Secrets injection").
func InjectSecrets(parentTempDir string, secrets []SecretMaterial) (dir string, cleanup func() error, err error) {
	dir, err = os.MkdirTemp(parentTempDir, "axis-secrets-*")
	if err != nil {
		return "", nil, fmt.Errorf("sandbox: create secrets tempdir: %w", err)
	}
	cleanup = func() error { return os.RemoveAll(dir) }

	for _, s := range secrets {
		path := filepath.Join(dir, s.Name)
		if err := os.WriteFile(path, s.Value, 0600); err != nil {
			_ = cleanup()
			return "", nil, fmt.Errorf("sandbox: write secret %s: %w", s.Name, err)
		}
		zero(s.Value)
	}
	return dir, cleanup, nil
}

// zero overwrites b's contents so the secret value does not linger in
// process memory any longer than necessary.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
