// Package federation implements relay-to-relay signed delivery across
// administrative boundaries, with peer discovery, a TTL-cached peer
// registry, hop-count loop prevention, a replay window, and a retry worker.
// Outbound requests are signed with the relay's own long-lived Ed25519 key,
// never an agent's.
package federation

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/uamrelay/relay/internal/crypto"
)

// LoadOrGenerateKeyPair loads the relay's long-lived Ed25519 signing key
// from keyPath, generating and persisting (mode 0600) a fresh one if the
// file does not yet exist. The relay's own keypair is distinct from any
// agent's keypair: it identifies this relay instance to its federation
// peers, not any individual agent.
func LoadOrGenerateKeyPair(keyPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	data, err := os.ReadFile(keyPath)
	if err == nil {
		priv, derr := crypto.DeserializeSigningKey(strings.TrimSpace(string(data)))
		if derr != nil {
			return nil, nil, fmt.Errorf("parsing relay key at %s: %w", keyPath, derr)
		}
		pub, ok := priv.Public().(ed25519.PublicKey)
		if !ok {
			return nil, nil, fmt.Errorf("relay key at %s did not yield an ed25519 public key", keyPath)
		}
		return priv, pub, nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("reading relay key at %s: %w", keyPath, err)
	}

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("generating relay keypair: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating relay key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(crypto.SerializeSigningKey(kp.PrivateKey)), 0o600); err != nil {
		return nil, nil, fmt.Errorf("writing relay key to %s: %w", keyPath, err)
	}
	return kp.PrivateKey, kp.PublicKey, nil
}
