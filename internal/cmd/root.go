package cmd

import (
	"github.com/spf13/cobra"

	"github.com/thandden/mediaserver/internal/app"
	"github.com/thandden/mediaserver/internal/platform/config"
)

var configPath string

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mediaserver",
		Short: "Persistent job and service orchestrator for the media indexing pipeline",
		Long: `mediaserver runs two cooperating engines over one relational store:
a job dispatcher that executes finite units of work (directory scans,
file matching, metadata lookups, probing, transcoding) and a service
dispatcher that supervises long-running services (filesystem watchdog,
cleanup sweeper, metrics collector).

Operators interact through the store: the job and service subcommands
insert or update rows, and the running engines pick the changes up on
their next poll.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "directory containing config.yaml")

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newJobCmd())
	root.AddCommand(newServiceCmd())
	return root
}

// buildApp loads configuration and wires the full application. CLI
// subcommands share this so every invocation sees the same store.
func buildApp() (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return app.New(cfg)
}
