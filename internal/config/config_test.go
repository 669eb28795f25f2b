package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kincerb/tools/internal/tunnel"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sshconnd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func validSettings() Settings {
	s := Defaults()
	s.Server = "tunnel.example.com"
	s.PrivateKey = "/keys/id_ed25519"
	s.RemotePort = 443
	s.LocalPort = 8443
	return s
}

func TestDefaults(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 22, s.SSHPort)
	assert.Equal(t, "127.0.0.1", s.RemoteBind)
	assert.Equal(t, "0.0.0.0", s.LocalBind)
	assert.Equal(t, "forward", s.Direction)
	assert.Equal(t, 60*time.Second, s.Backoff)
	assert.Equal(t, 300*time.Second, s.PollInterval)
	assert.Equal(t, 120*time.Second, s.Keepalive)
	assert.Equal(t, DefaultLogFile, s.LogFile)
}

func TestLoadPrecedence(t *testing.T) {
	path := writeFile(t, `
server: file.example.com
remote_port: 5432
local_port: 15432
backoff: 10s
`)
	t.Setenv("SSHCONND_LOCAL_PORT", "25432")
	t.Setenv("SSHCONND_POLL_INTERVAL", "1m")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "file.example.com", s.Server)
	assert.Equal(t, 5432, s.RemotePort)
	assert.Equal(t, 25432, s.LocalPort, "environment overrides file")
	assert.Equal(t, 10*time.Second, s.Backoff)
	assert.Equal(t, time.Minute, s.PollInterval)
	assert.Equal(t, 22, s.SSHPort, "defaults survive when nothing overrides them")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags := RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--local-port", "35432", "-vv"}))
	flags.Apply(&s)

	assert.Equal(t, 35432, s.LocalPort, "flags override environment")
	assert.Equal(t, 5432, s.RemotePort, "unset flags leave values alone")
	assert.Equal(t, "127.0.0.1", s.RemoteBind)
	assert.Equal(t, 2, s.Verbose)
}

func TestFlagsConfigPath(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags := RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", "/etc/sshconnd.yaml", "-s", "h", "-p", "k"}))
	assert.Equal(t, "/etc/sshconnd.yaml", flags.ConfigPath)

	var s Settings
	flags.Apply(&s)
	assert.Equal(t, "h", s.Server)
	assert.Equal(t, "k", s.PrivateKey)
}

func TestLoadEmptyFile(t *testing.T) {
	s, err := Load(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), s)
}

func TestLoadFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "sever: typo.example.com\n"))
	assert.Error(t, err, "unknown keys are rejected")

	_, err = Load(writeFile(t, "remote_port: [1, 2]\n"))
	assert.Error(t, err)
}

func TestLoadIgnoresUnprefixedEnvironment(t *testing.T) {
	t.Setenv("USER", "login-user")
	t.Setenv("SERVER", "wrong.example.com")
	t.Setenv("SSHCONND_SERVER", "right.example.com")

	s, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, s.User)
	assert.Equal(t, "right.example.com", s.Server)
}

func TestLoadBadEnvironment(t *testing.T) {
	t.Setenv("SSHCONND_REMOTE_PORT", "not-a-port")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	require.NoError(t, validSettings().Validate())

	tests := []struct {
		name   string
		mutate func(*Settings)
		want   string
	}{
		{"no server", func(s *Settings) { s.Server = "" }, "server is required"},
		{"no key", func(s *Settings) { s.PrivateKey = "" }, "private key is required"},
		{"no remote port", func(s *Settings) { s.RemotePort = 0 }, "remote port"},
		{"local port too big", func(s *Settings) { s.LocalPort = 70000 }, "local port"},
		{"bad direction", func(s *Settings) { s.Direction = "sideways" }, "direction"},
		{"zero backoff", func(s *Settings) { s.Backoff = 0 }, "backoff"},
		{"empty local bind", func(s *Settings) { s.LocalBind = "" }, "local bind"},
		{"journal retention", func(s *Settings) { s.Journal = "j.db"; s.JournalRetention = 0 }, "journal retention"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSettings()
			tt.mutate(&s)
			err := s.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateReportsEverything(t *testing.T) {
	err := Defaults().Validate()
	require.Error(t, err)
	for _, want := range []string{"server", "private key", "remote port", "local port"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestTunnel(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	s := validSettings()
	s.PrivateKey = "~/.ssh/id_ed25519"
	s.KnownHosts = "~/.ssh/known_hosts"
	s.User = "deploy"
	s.Direction = "reverse"

	cfg, err := s.Tunnel()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".ssh", "id_ed25519"), cfg.PrivateKeyPath)
	assert.Equal(t, filepath.Join(home, ".ssh", "known_hosts"), cfg.KnownHostsPath)
	assert.Equal(t, "tunnel.example.com:22", cfg.ServerAddr())
	assert.Equal(t, tunnel.Endpoint{Host: "127.0.0.1", Port: 443}, cfg.RemoteBind)
	assert.Equal(t, tunnel.Endpoint{Host: "0.0.0.0", Port: 8443}, cfg.LocalBind)
	assert.Equal(t, tunnel.DirectionReverse, cfg.Direction)
	assert.Equal(t, "deploy", cfg.Username)
}
