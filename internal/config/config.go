// Package config parses the rqd CLI surface (spec.md §6): flags first,
// environment variables as fallback, following the teacher's
// cmd/message_queue getEnv convention generalized into
// internal/common.GetEnv/GetEnvInt.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/relayqueue/rqd/internal/common"
)

// Config is the fully resolved set of startup options for cmd/rqd.
type Config struct {
	Port      int
	Listen    []string
	MaxConns  int
	Peers     []string
	Daemonize bool
	User      string
	PidFile   string
	Verbosity int
}

// Parse builds a Cobra command over args (normally os.Args[1:]) and
// returns the resolved Config, or an error on invalid flags. -h is
// handled by Cobra itself: it prints usage, and Parse then returns the
// flag defaults with a nil error, so the caller cannot tell that help
// was requested and does not exit.
func Parse(args []string) (Config, error) {
	var cfg Config

	cmd := &cobra.Command{
		Use:           "rqd",
		Short:         "rqd is a TCP message broker routing requests and broadcasts through named queues",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          func(*cobra.Command, []string) error { return nil },
	}

	flags := cmd.Flags()
	flags.IntVarP(&cfg.Port, "port", "p", common.GetEnvInt("RQD_PORT", 13700), "listen port")
	flags.StringArrayVarP(&cfg.Listen, "listen", "l", nil, "listen interface (may repeat; default all)")
	flags.IntVarP(&cfg.MaxConns, "max-conns", "c", common.GetEnvInt("RQD_MAX_CONNS", 1024), "max concurrent connections")
	flags.StringArrayVarP(&cfg.Peers, "peer", "S", nil, "peer broker host:port to federate with (may repeat)")
	flags.BoolVarP(&cfg.Daemonize, "daemonize", "d", false, "daemonize")
	flags.StringVarP(&cfg.User, "user", "u", common.GetEnv("RQD_USER", ""), "drop privileges to this user")
	flags.StringVarP(&cfg.PidFile, "pid-file", "P", common.GetEnv("RQD_PID_FILE", ""), "pid file path")
	flags.CountVarP(&cfg.Verbosity, "verbose", "v", "increase verbosity (repeatable)")

	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if err := validate(cfg, flags); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config, flags *pflag.FlagSet) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", cfg.Port)
	}
	if cfg.MaxConns <= 0 {
		return fmt.Errorf("config: max-conns must be positive, got %d", cfg.MaxConns)
	}
	for _, peer := range cfg.Peers {
		if !strings.Contains(peer, ":") {
			return fmt.Errorf("config: peer %q must be host:port", peer)
		}
	}
	return nil
}
