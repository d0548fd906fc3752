// Command ossgate runs the object storage gateway and its admin tools.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/ossgate/ossgate/internal/config"
	"github.com/ossgate/ossgate/internal/server"
)

// Build-time variables, set via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// newRootCmd builds the command tree. Each call binds a fresh set of flag
// variables.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "ossgate",
		Short:         "Multi-tenant gateway in front of S3-compatible object stores",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "ossgate.yaml", "path to configuration file")
	root.SetVersionTemplate("ossgate {{.Version}}\n")

	root.AddCommand(
		newVersionCmd(),
		newServeCmd(opts),
		newCatalogCmd(opts),
		newTokenCmd(opts),
		newPrincipalCmd(opts),
		newTasksCmd(opts),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ossgate %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "  Git commit: %s\n", GitCommit)
			fmt.Fprintf(cmd.OutOrStdout(), "  Go version: %s\n", runtime.Version())
		},
	}
}

func main() {
	server.Version = Version
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
