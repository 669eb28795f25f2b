// Package sshkeys checks and loads the private key the tunnel authenticates
// with.
package sshkeys

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// ErrPassphraseRequired is returned for an encrypted key loaded without a
// passphrase.
var ErrPassphraseRequired = errors.New("key is encrypted and no passphrase was given")

// ExpandPath resolves a leading "~" or "~user" to the matching home
// directory. Paths without a tilde prefix are returned unchanged.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}

	name, rest, _ := strings.Cut(path[1:], string(filepath.Separator))

	var home string
	if name == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand %q: %w", path, err)
		}
		home = h
	} else {
		u, err := user.Lookup(name)
		if err != nil {
			return "", fmt.Errorf("expand %q: %w", path, err)
		}
		home = u.HomeDir
	}

	if rest == "" {
		return home, nil
	}
	return filepath.Join(home, rest), nil
}

// Verified reports whether the key at path exists, is a regular file and can
// be opened for reading. It never returns an error; callers decide whether a
// missing key is fatal.
func Verified(path string) bool {
	if path == "" {
		return false
	}
	resolved, err := ExpandPath(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	f, err := os.Open(resolved)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// LoadSigner reads and parses the private key at path. An empty passphrase
// means the key is unencrypted.
func LoadSigner(path, passphrase string) (ssh.Signer, error) {
	resolved, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return ParsePrivateKey(data, passphrase)
}

// ParsePrivateKey parses a PEM or OpenSSH encoded private key into an
// ssh.Signer.
func ParsePrivateKey(data []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return signer, nil
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("parse private key: %w", ErrPassphraseRequired)
		}
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// Fingerprint returns the SHA256 fingerprint of the signer's public key in
// the usual "SHA256:..." form.
func Fingerprint(signer ssh.Signer) string {
	return ssh.FingerprintSHA256(signer.PublicKey())
}
