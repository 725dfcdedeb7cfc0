package trust

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func writeSignersFile(t *testing.T, pub ed25519.PublicKey) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "signers")
	line := fmt.Sprintf("ssh-ed25519 %s test-signer\n", base64.StdEncoding.EncodeToString(sshWireFormat(pub)))
	if err := os.WriteFile(path, []byte(line), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// sshWireFormat encodes an ed25519 public key the way OpenSSH authorized_keys
// entries do: a length-prefixed "ssh-ed25519" string followed by a
// length-prefixed key blob.
func sshWireFormat(pub ed25519.PublicKey) []byte {
	const keyType = "ssh-ed25519"
	buf := make([]byte, 0, 4+len(keyType)+4+len(pub))
	buf = appendUint32Prefixed(buf, []byte(keyType))
	buf = appendUint32Prefixed(buf, pub)
	return buf
}

func appendUint32Prefixed(buf, data []byte) []byte {
	n := len(data)
	buf = append(buf, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	return append(buf, data...)
}

func TestLoadStoreAndVerifyChain(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	path := writeSignersFile(t, pub)

	store, err := LoadStore(path)
	if err != nil {
		t.Fatalf("LoadStore: %v", err)
	}

	message := []byte("repodata entry bytes")
	sig := ed25519.Sign(priv, message)
	chain := []Signature{{KeyID: hex.EncodeToString(pub), Sig: hex.EncodeToString(sig)}}

	if err := store.VerifyChain("foo-1.0-0.tar.bz2", message, chain); err != nil {
		t.Errorf("VerifyChain: %v, want nil", err)
	}

	if err := store.VerifyChain("foo-1.0-0.tar.bz2", message, nil); err == nil {
		t.Error("VerifyChain with no chain: want UntrustedArtifactError")
	}

	tamperedSig := []Signature{{KeyID: hex.EncodeToString(pub), Sig: hex.EncodeToString(sig)}}
	if err := store.VerifyChain("foo-1.0-0.tar.bz2", []byte("different message"), tamperedSig); err == nil {
		t.Error("VerifyChain with wrong message: want UntrustedArtifactError")
	}
}

func TestEmptyStoreIsNoOp(t *testing.T) {
	var store Store
	if err := store.VerifyChain("foo-1.0-0.tar.bz2", []byte("msg"), nil); err != nil {
		t.Errorf("empty store VerifyChain: %v, want nil (trust not configured)", err)
	}
}
