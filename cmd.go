package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kincerb/tools/internal/config"
	"github.com/kincerb/tools/internal/journal"
	"github.com/kincerb/tools/internal/logging"
	"github.com/kincerb/tools/internal/metrics"
	"github.com/kincerb/tools/internal/sshkeys"
	"github.com/kincerb/tools/internal/sshtunnel"
	"github.com/kincerb/tools/internal/statusapi"
	"github.com/kincerb/tools/internal/supervisor"
	"github.com/kincerb/tools/internal/tunnel"
)

func newRootCmd() *cobra.Command {
	var flags *config.Flags

	cmd := &cobra.Command{
		Use:   "sshconnd",
		Short: "Keep an SSH port-forwarding tunnel up",
		Long: `sshconnd opens one SSH session to a server and forwards a single port
through it. The tunnel is checked every poll interval, restarted in place
when its forwarder is down, and reopened after a fixed backoff when the
connection is lost. It stops only on SIGINT/SIGTERM or when the private key
is missing.

Settings come from defaults, an optional YAML file (--config), SSHCONND_*
environment variables and flags, in increasing precedence.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := config.Load(flags.ConfigPath)
			if err != nil {
				return err
			}
			flags.Apply(&settings)
			if err := settings.Validate(); err != nil {
				return fmt.Errorf("invalid settings:\n%w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, settings, cmd.ErrOrStderr())
		},
	}
	flags = config.RegisterFlags(cmd.Flags())
	return cmd
}

// run wires the daemon together and blocks until the supervisor stops.
func run(ctx context.Context, settings config.Settings, stderr io.Writer) error {
	logger := logging.New(logging.Options{
		Verbose: settings.Verbose,
		File:    settings.LogFile,
		Stderr:  stderr,
	})
	defer logger.Close()
	log := logrus.NewEntry(logger.Logger)

	tcfg, err := settings.Tunnel()
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"server":    tcfg.ServerAddr(),
		"forwarder": tcfg.ForwarderName(),
		"direction": string(tcfg.Direction),
	}).Info("starting tunnel supervisor")

	sup, err := supervisor.New(supervisor.Options{
		Config:       tcfg,
		Transport:    sshtunnel.NewTransport(log),
		Logger:       log,
		Backoff:      settings.Backoff,
		PollInterval: settings.PollInterval,
	})
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sup.OnStateChange(metrics.New(reg).Record)

	var jrnl *journal.Journal
	if settings.Journal != "" {
		jrnl, err = openJournal(settings, log)
		if err != nil {
			return err
		}
		defer jrnl.Close()
		sup.OnStateChange(jrnl.Observe)
	}

	// The status API stops with the supervisor, however the supervisor ends.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if settings.StatusAddr != "" {
		opts := statusapi.Options{
			Status:   sup,
			Gatherer: reg,
			Logger:   log,
		}
		if logger.Path() != "" {
			opts.Logs = logger
		}
		if jrnl != nil {
			opts.Journal = jrnl
		}
		srv := statusapi.NewServer(settings.StatusAddr, statusapi.NewRouter(opts), log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			// The tunnel matters more than its status page; keep going.
			if err := srv.Run(ctx); err != nil {
				log.WithError(err).Error("status api stopped")
			}
		}()
	}

	err = sup.Run(ctx)
	cancel()
	wg.Wait()
	if err != nil {
		return err
	}
	log.Info("shut down cleanly")
	return nil
}

func openJournal(settings config.Settings, log *logrus.Entry) (*journal.Journal, error) {
	path, err := sshkeys.ExpandPath(settings.Journal)
	if err != nil {
		return nil, fmt.Errorf("expand journal path: %w", err)
	}
	j, err := journal.Open(path, settings.JournalRetention, log)
	if err != nil {
		return nil, err
	}
	if err := j.StartPurge(journal.DefaultPurgeSchedule); err != nil {
		j.Close()
		return nil, err
	}
	return j, nil
}

// Compile-time check that the SSH transport satisfies the supervisor's
// dependency.
var _ tunnel.Transport = (*sshtunnel.Transport)(nil)
