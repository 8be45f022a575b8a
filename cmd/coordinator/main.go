// Command coordinator runs the gridcalc coordinator and drives a running one
// through its admin API.
//
// The coordinator accepts worker connections on a TCP port speaking the
// framed grid protocol, splits submitted calculations into fragments with
// the plugins in its plugin directory, dispatches the fragments to capable
// workers and joins their results.
//
// Architecture:
//
//	┌───────────────────────────────────────────┐
//	│                Coordinator                │
//	├───────────────────────────────────────────┤
//	│  TCP :4000   - worker sessions            │
//	│  HTTP :8080  - admin API                  │
//	│    /calculations  submit, list, cancel    │
//	│    /sessions      connected workers       │
//	│    /state         state report            │
//	│    /shutdown      graceful stop           │
//	├───────────────────────────────────────────┤
//	│  Dispatcher  - pool, idle index, watchdog │
//	│  Executor    - split/join plugins         │
//	│  Store       - memory or redis outcomes   │
//	└───────────────────────────────────────────┘
//
// Example usage:
//
//	coordinator serve --config grid.yaml
//	coordinator submit --bin sum --params '{"a":1,"b":2}' --wait
//	coordinator status
//	coordinator sessions
package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dreamware/gridcalc/internal/cluster"
	"github.com/dreamware/gridcalc/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	admin      string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "coordinator",
		Short:         "Distributed calculation coordinator",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&opts.admin, "admin", "", "admin API of a running coordinator (default: coordinator.http from the config)")

	root.AddCommand(
		newServeCmd(opts),
		newSubmitCmd(opts),
		newStatusCmd(opts),
		newCancelCmd(opts),
		newConsumeCmd(opts),
		newSessionsCmd(opts),
		newStateCmd(opts),
		newShutdownCmd(opts),
	)
	return root
}

// load reads the configuration and installs the process logger.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := cfg.Log.Logger(os.Stderr)
	if err != nil {
		return nil, err
	}
	log.Logger = logger
	return cfg, nil
}

// client returns an admin API client for --admin, or for the configured
// HTTP address when the flag is not set.
func (o *rootOptions) client() (*cluster.Client, error) {
	addr := o.admin
	if addr == "" {
		cfg, err := o.load()
		if err != nil {
			return nil, err
		}
		addr = cfg.Coordinator.HTTP
		if strings.HasPrefix(addr, ":") {
			addr = "127.0.0.1" + addr
		}
	}
	return cluster.NewClient(addr), nil
}
