package sshkeys

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/kincerb/tools/internal/sshkeys/sshkeystest"
)

func writeTestKey(t *testing.T, dir string) (string, ssh.Signer) {
	t.Helper()
	return sshkeystest.WriteKey(t, dir, "id_forward", "")
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := ExpandPath("~/.ssh/kincerb_forward")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".ssh", "kincerb_forward"), got)

	got, err = ExpandPath("~")
	require.NoError(t, err)
	assert.Equal(t, home, got)

	got, err = ExpandPath("/etc/ssh/key")
	require.NoError(t, err)
	assert.Equal(t, "/etc/ssh/key", got)
}

func TestExpandPathUnknownUser(t *testing.T) {
	_, err := ExpandPath("~no-such-user-sshconnd/key")
	assert.Error(t, err)
}

func TestVerified(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	path, _ := writeTestKey(t, dir)

	assert.True(t, Verified(path))
	assert.True(t, Verified("~/id_forward"))
	assert.False(t, Verified(filepath.Join(dir, "missing")))
	assert.False(t, Verified(dir), "directories are not keys")
	assert.False(t, Verified(""))
}

func TestVerifiedUnreadable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can read any file")
	}
	dir := t.TempDir()
	path, _ := writeTestKey(t, dir)
	require.NoError(t, os.Chmod(path, 0))
	assert.False(t, Verified(path))
}

func TestLoadSigner(t *testing.T) {
	dir := t.TempDir()
	path, want := writeTestKey(t, dir)

	signer, err := LoadSigner(path, "")
	require.NoError(t, err)

	assert.Equal(t, "ssh-ed25519", signer.PublicKey().Type())
	assert.Equal(t, Fingerprint(want), Fingerprint(signer))
	assert.True(t, strings.HasPrefix(Fingerprint(signer), "SHA256:"))
}

func TestLoadSignerEncryptedKey(t *testing.T) {
	path, want := sshkeystest.WriteKey(t, t.TempDir(), "id_locked", "hunter2")

	signer, err := LoadSigner(path, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(want), Fingerprint(signer))

	_, err = LoadSigner(path, "")
	assert.ErrorIs(t, err, ErrPassphraseRequired)
	assert.ErrorContains(t, err, "parse private key")

	_, err = LoadSigner(path, "wrong")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPassphraseRequired)
}

func TestPassphraseOnPlainKey(t *testing.T) {
	path, _ := writeTestKey(t, t.TempDir())
	_, err := LoadSigner(path, "unused")
	assert.ErrorContains(t, err, "parse private key")
}

func TestLoadSignerErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadSigner(filepath.Join(dir, "missing"), "")
	assert.ErrorContains(t, err, "read private key")

	garbage := filepath.Join(dir, "garbage")
	require.NoError(t, os.WriteFile(garbage, []byte("not a key"), 0600))
	_, err = LoadSigner(garbage, "")
	assert.ErrorContains(t, err, "parse private key")
}
