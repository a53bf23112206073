package crypto

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAddressBech32RoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := key.PubKey().Address()
	encoded := addr.String()
	if !strings.HasPrefix(encoded, string(NRGPrefix)) {
		t.Fatalf("address %q missing prefix %q", encoded, NRGPrefix)
	}
	decoded, err := DecodeAddress(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(decoded.Bytes()) != string(addr.Bytes()) {
		t.Fatalf("round trip mismatch")
	}
	if decoded.Prefix() != NRGPrefix {
		t.Fatalf("prefix = %q, want %q", decoded.Prefix(), NRGPrefix)
	}
}

func TestDecodeAddressRejectsGarbage(t *testing.T) {
	if _, err := DecodeAddress("nrg1notbech32"); err == nil {
		t.Fatalf("garbage accepted")
	}
	if _, err := DecodeAddress(""); err == nil {
		t.Fatalf("empty string accepted")
	}
}

func TestPrivateKeyBytesRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	restored, err := PrivateKeyFromBytes(key.Bytes())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.PubKey().Address().String() != key.PubKey().Address().String() {
		t.Fatalf("restored key yields different address")
	}
}

func TestLoadOrGenerateKeyFirstBoot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "node.key")

	key, err := LoadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("first boot: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("key file not persisted: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("key file permissions = %o, want 600", perm)
	}

	// A restart must reload the identical identity, not mint a new one.
	reloaded, err := LoadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.PubKey().Address().String() != key.PubKey().Address().String() {
		t.Fatalf("reloaded key yields different address")
	}
}

func TestLoadOrGenerateKeyRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")
	if err := os.WriteFile(path, []byte("not hex\n"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if _, err := LoadOrGenerateKey(path); err == nil {
		t.Fatalf("corrupt key file accepted")
	}
}
