package pki

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/pkg/errors"

	ilog "github.com/kdappio/kdapp/internal/log"
)

// KeySource abstracts where a process's signing key comes from: a file on
// disk or an HSM slot addressed by an "hsm://" URI, ("Keys
// loaded from a file path or from an HSM slot... the core treats the key
// source as a pluggable provider yielding a secret key").
type KeySource interface {
	LoadKey() (*secp256k1.PrivateKey, error)
	Describe() string
}

// NewKeySource parses the configured `key_source` value and returns the
// matching provider. A bare path is treated as a file; "hsm://slot" or
// "hsm:slot" names an HSM-backed provider.
func NewKeySource(uri string) KeySource {
	trimmed := strings.TrimSpace(uri)
	if rest, ok := strings.CutPrefix(trimmed, "hsm://"); ok {
		return &HsmKeySource{slot: strings.TrimPrefix(rest, "/")}
	}
	if rest, ok := strings.CutPrefix(trimmed, "hsm:"); ok {
		return &HsmKeySource{slot: rest}
	}
	return &FileKeySource{path: trimmed}
}

// FileKeySource stores the raw 32-byte secret key on disk, creating it on
// first use with owner-only permissions.
type FileKeySource struct {
	path string
}

func NewFileKeySource(path string) *FileKeySource { return &FileKeySource{path: path} }

func (f *FileKeySource) Path() string { return f.path }

func (f *FileKeySource) Describe() string { return fmt.Sprintf("file %s", f.path) }

func (f *FileKeySource) LoadKey() (*secp256k1.PrivateKey, error) {
	bytes, err := os.ReadFile(f.path)
	switch {
	case err == nil:
		if len(bytes) != 32 {
			return nil, errors.Errorf("pki: key at %s is %d bytes, want 32", f.path, len(bytes))
		}
		return secp256k1.PrivKeyFromBytes(bytes), nil
	case os.IsNotExist(err):
		return f.generateAndStore()
	default:
		return nil, errors.Wrapf(err, "pki: reading key at %s", f.path)
	}
}

func (f *FileKeySource) generateAndStore() (*secp256k1.PrivateKey, error) {
	sk, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, errors.Wrap(err, "pki: generating key")
	}
	if dir := filepath.Dir(f.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, errors.Wrapf(err, "pki: creating key directory %s", dir)
		}
	}
	if err := os.WriteFile(f.path, sk.Serialize(), 0o600); err != nil {
		return nil, errors.Wrapf(err, "pki: writing key to %s", f.path)
	}
	ilog.Info("pki: generated new signing key", "path", f.path)
	return sk, nil
}

// HsmKeySource fetches the secret key from an environment variable that
// stands in for an HSM driver's export/handle API. The slot may itself be
// "env:NAME" to name the variable explicitly; otherwise the slot string is
// used verbatim as the variable name, defaulting to KDAPP_HSM_KEY.
type HsmKeySource struct {
	slot string
}

func NewHsmKeySource(slot string) *HsmKeySource { return &HsmKeySource{slot: slot} }

func (h *HsmKeySource) envVar() string {
	trimmed := strings.TrimSpace(h.slot)
	switch {
	case trimmed == "":
		return "KDAPP_HSM_KEY"
	case strings.HasPrefix(trimmed, "env:"):
		return strings.TrimSpace(strings.TrimPrefix(trimmed, "env:"))
	default:
		return trimmed
	}
}

func (h *HsmKeySource) Describe() string { return fmt.Sprintf("HSM slot %s", h.envVar()) }

func (h *HsmKeySource) LoadKey() (*secp256k1.PrivateKey, error) {
	envVar := h.envVar()
	value, ok := os.LookupEnv(envVar)
	if !ok {
		return nil, errors.Errorf("pki: HSM key slot %q not available in environment", envVar)
	}
	bytes, err := hex.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, errors.Wrap(err, "pki: HSM key material is not valid hex")
	}
	if len(bytes) != 32 {
		return nil, errors.Errorf("pki: HSM key material is %d bytes, want 32", len(bytes))
	}
	return secp256k1.PrivKeyFromBytes(bytes), nil
}
