// Command usage-monitor runs the usage metering filter and its tooling.
//
// Usage:
//
//	usage-monitor serve  [-c config.yaml] [--port N]
//	usage-monitor check  --user ID [--model M]
//	usage-monitor usage  [--json]
//	usage-monitor status [--url http://127.0.0.1:18090]
//	usage-monitor version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/compresr/usage-monitor/internal/config"
	"github.com/compresr/usage-monitor/internal/gateway"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

// defaultConfigFile is used when --config is not given and the file exists.
const defaultConfigFile = "usage-monitor.yaml"

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "usage-monitor",
		Short:         "Usage metering filter for LLM chat pipelines",
		Long:          "usage-monitor checks a principal's balance before each model call, bills the exchange afterwards, and reports the usage back into the conversation.",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./"+defaultConfigFile+" when present)")

	root.AddCommand(
		newServeCmd(&configPath),
		newCheckCmd(&configPath),
		newUsageCmd(&configPath),
		newStatusCmd(&configPath),
		newVersionCmd(),
	)

	gateway.Version = Version
	root.Version = Version
	root.SetVersionTemplate(fmt.Sprintf("usage-monitor %s\n", Version))

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "usage-monitor %s\n", Version)
		},
	}
}

// loadConfig resolves the config file. Without one, defaults plus
// USAGE_MONITOR_* variables are used. validate is false for commands that
// only read local state.
func loadConfig(path string, validate bool) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}

	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.Read(path)
	} else {
		config.LoadDotEnv(".env")
		cfg = config.Default()
		err = cfg.ApplyEnv()
	}
	if err != nil {
		return nil, err
	}

	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
