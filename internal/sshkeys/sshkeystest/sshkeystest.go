// Package sshkeystest writes throwaway ed25519 keys for tests.
package sshkeystest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
)

// NewSigner returns a signer over a fresh ed25519 key.
func NewSigner(t testing.TB) ssh.Signer {
	t.Helper()
	signer, err := ssh.NewSignerFromKey(newKey(t))
	if err != nil {
		t.Fatalf("signer from ed25519 key: %v", err)
	}
	return signer
}

// WriteKey writes a fresh ed25519 key in OpenSSH format to dir/name and
// returns the path and a signer for it. A non-empty passphrase encrypts the
// file.
func WriteKey(t testing.TB, dir, name, passphrase string) (string, ssh.Signer) {
	t.Helper()
	key := newKey(t)

	var (
		block *pem.Block
		err   error
	)
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(key, "sshconnd test")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(key, "sshconnd test", []byte(passphrase))
	}
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write private key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("signer from ed25519 key: %v", err)
	}
	return path, signer
}

func newKey(t testing.TB) ed25519.PrivateKey {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	return key
}
