package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a stored plan, resuming from its checkpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, _ := cmd.Flags().GetString("plan")
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Runner.RunPlan(cmd.Context(), id)
			if jsonOutput(cmd) && err == nil {
				if encErr := json.NewEncoder(os.Stdout).Encode(report); encErr != nil {
					return encErr
				}
			} else {
				for _, s := range report.Steps {
					state := "complete"
					if !s.Complete {
						state = "incomplete: " + s.Failure
					}
					fmt.Printf("%s\tmigrated=%d skipped=%d review=%d errors=%d batches=%d\t%s\n",
						s.StepID, s.Migrated, s.Skipped, s.Review, len(s.Errors), s.Batches, state)
				}
			}
			if err != nil {
				return err
			}
			if !report.Complete() {
				return fmt.Errorf("plan %s finished with incomplete steps; rerun to resume", id)
			}
			return nil
		},
	}
	cmd.Flags().StringP("plan", "p", "", "Plan id (the schema version)")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}
