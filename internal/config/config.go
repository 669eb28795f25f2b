// Package config assembles the daemon's settings. Sources are applied in
// increasing precedence: built-in defaults, an optional YAML file,
// SSHCONND_* environment variables, then command-line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/kincerb/tools/internal/sshkeys"
	"github.com/kincerb/tools/internal/tunnel"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "SSHCONND"

// DefaultLogFile is where the rotating log lives unless overridden.
const DefaultLogFile = "~/Documents/log/ssh-connd.log"

// Settings holds every tunable. Environment names derive from field names,
// e.g. RemotePort reads SSHCONND_REMOTE_PORT. Explicit envconfig names are
// avoided because envconfig falls back to the unprefixed name, and USER is
// always set. No envconfig defaults are declared so that an unset variable
// leaves file values alone; see Defaults.
type Settings struct {
	Server        string `split_words:"true" yaml:"server"`
	SSHPort       int    `split_words:"true" yaml:"ssh_port"`
	User          string `split_words:"true" yaml:"user"`
	PrivateKey    string `split_words:"true" yaml:"private_key"`
	KeyPassphrase string `split_words:"true" yaml:"-"`
	KnownHosts    string `split_words:"true" yaml:"known_hosts"`

	RemoteBind string `split_words:"true" yaml:"remote_bind"`
	RemotePort int    `split_words:"true" yaml:"remote_port"`
	LocalBind  string `split_words:"true" yaml:"local_bind"`
	LocalPort  int    `split_words:"true" yaml:"local_port"`
	Direction  string `split_words:"true" yaml:"direction"`

	Keepalive      time.Duration `split_words:"true" yaml:"keepalive"`
	ConnectTimeout time.Duration `split_words:"true" yaml:"connect_timeout"`
	Backoff        time.Duration `split_words:"true" yaml:"backoff"`
	PollInterval   time.Duration `split_words:"true" yaml:"poll_interval"`

	LogFile          string        `split_words:"true" yaml:"log_file"`
	StatusAddr       string        `split_words:"true" yaml:"status_addr"`
	Journal          string        `split_words:"true" yaml:"journal"`
	JournalRetention time.Duration `split_words:"true" yaml:"journal_retention"`
	Verbose          int           `split_words:"true" yaml:"verbose"`
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		SSHPort:          tunnel.DefaultSSHPort,
		RemoteBind:       tunnel.DefaultRemoteBindHost,
		LocalBind:        tunnel.DefaultLocalBindHost,
		Direction:        string(tunnel.DirectionForward),
		Keepalive:        tunnel.DefaultKeepalive,
		ConnectTimeout:   tunnel.DefaultConnectTimeout,
		Backoff:          60 * time.Second,
		PollInterval:     300 * time.Second,
		LogFile:          DefaultLogFile,
		JournalRetention: 30 * 24 * time.Hour,
	}
}

// Load builds settings from defaults, the YAML file at path (skipped when
// path is empty) and the environment. Flags are applied afterwards by the
// caller via Flags.Apply.
func Load(path string) (Settings, error) {
	s := Defaults()
	if path != "" {
		if err := s.loadFile(path); err != nil {
			return s, err
		}
	}
	if err := envconfig.Process(EnvPrefix, &s); err != nil {
		return s, fmt.Errorf("load environment: %w", err)
	}
	return s, nil
}

func (s *Settings) loadFile(path string) error {
	expanded, err := sshkeys.ExpandPath(path)
	if err != nil {
		return fmt.Errorf("expand config path %q: %w", path, err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty file decodes to io.EOF and leaves the defaults in place.
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %q: %w", expanded, err)
	}
	return nil
}

// Validate reports every problem with s at once.
func (s Settings) Validate() error {
	var errs []error
	if s.Server == "" {
		errs = append(errs, errors.New("server is required"))
	}
	if s.PrivateKey == "" {
		errs = append(errs, errors.New("private key is required"))
	}
	errs = append(errs,
		checkPort("ssh port", s.SSHPort),
		checkPort("remote port", s.RemotePort),
		checkPort("local port", s.LocalPort),
	)
	if s.RemoteBind == "" {
		errs = append(errs, errors.New("remote bind address is required"))
	}
	if s.LocalBind == "" {
		errs = append(errs, errors.New("local bind address is required"))
	}
	switch tunnel.Direction(s.Direction) {
	case tunnel.DirectionForward, tunnel.DirectionReverse:
	default:
		errs = append(errs, fmt.Errorf("direction must be %q or %q, got %q",
			tunnel.DirectionForward, tunnel.DirectionReverse, s.Direction))
	}
	for name, d := range map[string]time.Duration{
		"keepalive":       s.Keepalive,
		"connect timeout": s.ConnectTimeout,
		"backoff":         s.Backoff,
		"poll interval":   s.PollInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if s.Journal != "" && s.JournalRetention <= 0 {
		errs = append(errs, fmt.Errorf("journal retention must be positive, got %s", s.JournalRetention))
	}
	return errors.Join(errs...)
}

func checkPort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}

// Tunnel converts s into the immutable tunnel configuration. Paths are
// expanded here; whether the key exists is checked later by the
// supervisor.
func (s Settings) Tunnel() (tunnel.Config, error) {
	key, err := sshkeys.ExpandPath(s.PrivateKey)
	if err != nil {
		return tunnel.Config{}, fmt.Errorf("expand private key path: %w", err)
	}
	var knownHosts string
	if s.KnownHosts != "" {
		if knownHosts, err = sshkeys.ExpandPath(s.KnownHosts); err != nil {
			return tunnel.Config{}, fmt.Errorf("expand known_hosts path: %w", err)
		}
	}
	return tunnel.Config{
		Host:           s.Server,
		SSHPort:        s.SSHPort,
		Username:       s.User,
		PrivateKeyPath: key,
		Passphrase:     s.KeyPassphrase,
		KnownHostsPath: knownHosts,
		RemoteBind:     tunnel.Endpoint{Host: s.RemoteBind, Port: s.RemotePort},
		LocalBind:      tunnel.Endpoint{Host: s.LocalBind, Port: s.LocalPort},
		Direction:      tunnel.Direction(s.Direction),
		Keepalive:      s.Keepalive,
		ConnectTimeout: s.ConnectTimeout,
	}, nil
}
