package config

import (
	"github.com/spf13/pflag"
)

// Flags binds command-line flags. Only flags the user actually set override
// values from the file and environment.
type Flags struct {
	fs         *pflag.FlagSet
	v          Settings
	ConfigPath string
}

// RegisterFlags defines the daemon's flags on fs.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	d := Defaults()
	f := &Flags{fs: fs}

	fs.StringVarP(&f.v.Server, "server", "s", "", "SSH server hostname (required)")
	fs.StringVarP(&f.v.PrivateKey, "private-key", "p", "", "path to the private key (required)")
	fs.IntVar(&f.v.RemotePort, "remote-port", 0, "port on the server side of the tunnel (required)")
	fs.IntVar(&f.v.LocalPort, "local-port", 0, "port on the local side of the tunnel (required)")
	fs.StringVarP(&f.v.User, "user", "u", "", "SSH user name (default: current user)")
	fs.IntVar(&f.v.SSHPort, "ssh-port", d.SSHPort, "SSH server port")
	fs.StringVar(&f.v.RemoteBind, "remote-bind", d.RemoteBind, "address on the server side of the tunnel")
	fs.StringVar(&f.v.LocalBind, "local-bind", d.LocalBind, "address on the local side of the tunnel")
	fs.StringVar(&f.v.Direction, "direction", d.Direction, `"forward" (listen locally) or "reverse" (listen on the server)`)
	fs.StringVar(&f.v.KnownHosts, "known-hosts", "", "known_hosts file used to verify the server key")
	fs.StringVar(&f.v.LogFile, "log-file", d.LogFile, `rotating log file; "" disables file logging`)
	fs.StringVar(&f.v.StatusAddr, "status-addr", "", "listen address of the status API, e.g. 127.0.0.1:9321")
	fs.StringVar(&f.v.Journal, "journal", "", "SQLite file recording state transitions")
	fs.CountVarP(&f.v.Verbose, "verbose", "v", "increase log verbosity")
	fs.StringVar(&f.ConfigPath, "config", "", "YAML settings file")

	return f
}

// Apply copies every flag the user changed onto s.
func (f *Flags) Apply(s *Settings) {
	set := func(name string, apply func()) {
		if f.fs.Changed(name) {
			apply()
		}
	}
	set("server", func() { s.Server = f.v.Server })
	set("private-key", func() { s.PrivateKey = f.v.PrivateKey })
	set("remote-port", func() { s.RemotePort = f.v.RemotePort })
	set("local-port", func() { s.LocalPort = f.v.LocalPort })
	set("user", func() { s.User = f.v.User })
	set("ssh-port", func() { s.SSHPort = f.v.SSHPort })
	set("remote-bind", func() { s.RemoteBind = f.v.RemoteBind })
	set("local-bind", func() { s.LocalBind = f.v.LocalBind })
	set("direction", func() { s.Direction = f.v.Direction })
	set("known-hosts", func() { s.KnownHosts = f.v.KnownHosts })
	set("log-file", func() { s.LogFile = f.v.LogFile })
	set("status-addr", func() { s.StatusAddr = f.v.StatusAddr })
	set("journal", func() { s.Journal = f.v.Journal })
	set("verbose", func() { s.Verbose = f.v.Verbose })
}
