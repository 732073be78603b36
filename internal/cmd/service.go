package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/datatypes"

	"github.com/thandden/mediaserver/internal/domain"
	"github.com/thandden/mediaserver/internal/platform/dbctx"
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Inspect and command services",
		Long: `Services are controlled through their rows: these subcommands set the
command column and the running engine acts on it within one supervision
cycle, clearing the command back to NONE.`,
	}
	serviceCmd.AddCommand(newServiceListCmd())
	serviceCmd.AddCommand(newServiceCommandCmd("start", domain.ServiceCommandStart,
		"Request a service start (row must be INACTIVE or FAILED)"))
	serviceCmd.AddCommand(newServiceCommandCmd("stop", domain.ServiceCommandStop,
		"Request a service stop (row must be ACTIVE)"))
	serviceCmd.AddCommand(newServiceCommandCmd("restart", domain.ServiceCommandRestart,
		"Request a service restart"))
	return serviceCmd
}

func newServiceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all service rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Migrate(); err != nil {
				return err
			}

			rows, err := a.ServiceRepo.ListAll(dbctx.Context{Ctx: cmd.Context()})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tSTATUS\tCOMMAND\tLAST HEARTBEAT\tERROR")
			for _, svc := range rows {
				heartbeat := "-"
				if svc.LastHeartbeatAt != nil {
					heartbeat = svc.LastHeartbeatAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					svc.ServiceType, svc.Status, svc.Command, heartbeat, svc.Error)
			}
			return w.Flush()
		},
	}
}

func newServiceCommandCmd(verb string, command domain.ServiceCommand, short string) *cobra.Command {
	var paramsJSON string

	cmd := &cobra.Command{
		Use:   verb + " <service_type>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serviceType := domain.ServiceType(args[0])
			if !validServiceType(serviceType) {
				return fmt.Errorf("unknown service type %q (valid: %v)", args[0], domain.ServiceTypes())
			}

			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Migrate(); err != nil {
				return err
			}

			dbc := dbctx.Context{Ctx: cmd.Context()}
			svc, err := a.ServiceRepo.GetByType(dbc, serviceType)
			if err != nil {
				return err
			}
			if svc == nil {
				if command != domain.ServiceCommandStart {
					return fmt.Errorf("no service row for type %s", serviceType)
				}
				if !json.Valid([]byte(paramsJSON)) {
					return fmt.Errorf("--params must be valid JSON")
				}
				// First start for this type creates the row.
				if err := a.ServiceRepo.SeedDefault(dbc, &domain.Service{
					ServiceType: serviceType,
					Status:      domain.ServiceStatusInactive,
					Command:     domain.ServiceCommandStart,
					Parameters:  datatypes.JSON(paramsJSON),
				}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created service row %s with command START\n", serviceType)
				return nil
			}

			now := time.Now().UTC()
			if err := a.ServiceRepo.UpdateFields(dbc, svc.ID, map[string]interface{}{
				"command":           command,
				"command_issued_at": now,
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "issued %s to service %s\n", command, serviceType)
			return nil
		},
	}

	if command == domain.ServiceCommandStart {
		cmd.Flags().StringVar(&paramsJSON, "params", "{}", "service parameters as JSON, used when creating the row")
	}
	return cmd
}

func validServiceType(t domain.ServiceType) bool {
	for _, known := range domain.ServiceTypes() {
		if t == known {
			return true
		}
	}
	return false
}
