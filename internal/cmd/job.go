package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gorm.io/datatypes"

	"github.com/thandden/mediaserver/internal/domain"
	"github.com/thandden/mediaserver/internal/platform/dbctx"
)

func newJobCmd() *cobra.Command {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and enqueue jobs",
	}
	jobCmd.AddCommand(newJobEnqueueCmd())
	return jobCmd
}

func newJobEnqueueCmd() *cobra.Command {
	var paramsJSON string
	var priority int

	cmd := &cobra.Command{
		Use:   "enqueue <job_type>",
		Short: "Insert an OPEN job row for the dispatcher to pick up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobType := domain.JobType(args[0])
			if !validJobType(jobType) {
				return fmt.Errorf("unknown job type %q (valid: %v)", args[0], domain.JobTypes())
			}
			if !json.Valid([]byte(paramsJSON)) {
				return fmt.Errorf("--params must be valid JSON")
			}

			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Migrate(); err != nil {
				return err
			}

			rows, err := a.JobRepo.Create(dbctx.Context{Ctx: cmd.Context()}, []*domain.Job{{
				JobType:    jobType,
				Status:     domain.JobStatusOpen,
				Parameters: datatypes.JSON(paramsJSON),
				Priority:   priority,
			}})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "enqueued job %s (%s)\n", rows[0].ID, jobType)
			return nil
		},
	}

	cmd.Flags().StringVar(&paramsJSON, "params", "{}", "job parameters as JSON")
	cmd.Flags().IntVar(&priority, "priority", 0, "job priority (higher runs earlier)")
	return cmd
}

func validJobType(t domain.JobType) bool {
	for _, known := range domain.JobTypes() {
		if t == known {
			return true
		}
	}
	return false
}
