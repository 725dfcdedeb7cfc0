// Package trust implements the optional repository-metadata trust layer:
// a local file of trusted signer public keys, parsed in authorized-keys
// form, used to verify the signature chain attached to repodata package
// entries when signature verification is enabled.
package trust

import (
	"bufio"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// TrustedSigner is one entry of a trusted-signers file.
type TrustedSigner struct {
	PublicKey ed25519.PublicKey
	Comment   string
}

// Store holds the set of keys trusted to sign repodata.
type Store struct {
	signers []TrustedSigner
}

// LoadStore reads a trusted-signers file, one
// "ssh-ed25519 <base64> <comment>" line per key, in authorized-keys-style
// format.
func LoadStore(path string) (*Store, error) {
	if path == "" {
		return &Store{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("trust: opening %s: %w", path, err)
	}
	defer f.Close()

	var store Store
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pubKey, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("trust: invalid key on line %d of %s: %w", lineNum, path, err)
		}
		cryptoKey, ok := pubKey.(ssh.CryptoPublicKey)
		if !ok {
			return nil, fmt.Errorf("trust: line %d of %s: key type %s cannot be used for repodata signatures", lineNum, path, pubKey.Type())
		}
		edKey, ok := cryptoKey.CryptoPublicKey().(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("trust: line %d of %s: only ssh-ed25519 keys are supported, got %s", lineNum, path, pubKey.Type())
		}
		store.signers = append(store.signers, TrustedSigner{PublicKey: edKey, Comment: comment})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("trust: reading %s: %w", path, err)
	}
	return &store, nil
}

// Signature is one link in a package's signature chain, as carried
// alongside its repodata entry.
type Signature struct {
	KeyID string // hex-encoded ed25519 public key
	Sig   string // hex-encoded signature bytes
}

// UntrustedArtifactError is returned when a package's signature chain is
// missing or fails verification against every trusted signer.
type UntrustedArtifactError struct {
	Filename string
	Reason   string
}

func (e *UntrustedArtifactError) Error() string {
	return fmt.Sprintf("trust: untrusted artifact %s: %s", e.Filename, e.Reason)
}

// Enabled reports whether this Store carries any trusted signers. Callers
// use this to decide whether to enforce the signature-chain requirement at
// all: an empty Store means signature verification was not configured.
func (s *Store) Enabled() bool {
	return s != nil && len(s.signers) > 0
}

// VerifyChain checks that message (the canonical bytes of the repodata
// entry being verified) carries at least one signature from a trusted
// signer. An empty Store is a no-op: trust is only enforced when a
// signers file was configured.
func (s *Store) VerifyChain(filename string, message []byte, chain []Signature) error {
	if len(s.signers) == 0 {
		return nil
	}
	if len(chain) == 0 {
		return &UntrustedArtifactError{Filename: filename, Reason: "no signature chain present"}
	}
	for _, sig := range chain {
		keyBytes, err := hex.DecodeString(sig.KeyID)
		if err != nil {
			continue
		}
		sigBytes, err := hex.DecodeString(sig.Sig)
		if err != nil {
			continue
		}
		for _, signer := range s.signers {
			if !hexKeyMatches(signer.PublicKey, keyBytes) {
				continue
			}
			if ed25519.Verify(signer.PublicKey, message, sigBytes) {
				return nil
			}
		}
	}
	return &UntrustedArtifactError{Filename: filename, Reason: "no chain signature verified against a trusted signer"}
}

func hexKeyMatches(key ed25519.PublicKey, candidate []byte) bool {
	if len(key) != len(candidate) {
		return false
	}
	for i := range key {
		if key[i] != candidate[i] {
			return false
		}
	}
	return true
}
