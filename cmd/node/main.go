// Command node runs a gridcalc worker: it connects to the coordinator,
// advertises the plugins found in its plugin directory and computes the
// fragments it is handed.
//
// Architecture:
//
//	┌──────────────────────────────────────┐
//	│                 Node                 │
//	├──────────────────────────────────────┤
//	│  TCP client  → coordinator :4000     │
//	│  HTTP (opt.) - /status, /health      │
//	├──────────────────────────────────────┤
//	│  worker.Client    - protocol loop    │
//	│  plugin.Manager   - plugin directory │
//	│  ProcessExecutor  - fragment runs    │
//	└──────────────────────────────────────┘
//
// Example usage:
//
//	node run --coordinator grid.local:4000 --plugins ./plugins
//	node plugins install sum ./build/sum
//	node plugins check
package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dreamware/gridcalc/internal/config"
	"github.com/dreamware/gridcalc/internal/plugin"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	pluginsDir string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "node",
		Short:        "Distributed calculation worker",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&opts.pluginsDir, "plugins", "", "plugin directory (overrides plugins.dir)")

	root.AddCommand(newRunCmd(opts), newStatusCmd(), newPluginsCmd(opts))
	return root
}

// load reads the configuration, applies the shared flags and installs the
// process logger.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.pluginsDir != "" {
		cfg.Plugins.Dir = o.pluginsDir
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

func (o *rootOptions) manager() (*config.Config, *plugin.Manager, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, nil, err
	}
	m, err := plugin.NewManager(cfg.Plugins.Dir, log.Logger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, m, nil
}
