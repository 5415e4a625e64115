package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"erpsplit/internal/normalizer"
)

func planCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Derive and store a migration plan from a source schema",
		Long: `Reads a source schema listing the embedded fields of each legacy
collection and stores one step per field. Planning the same schema version
again returns the stored plan.`,
		RunE: runPlan,
	}
	cmd.Flags().StringP("schema", "s", "", "Source schema YAML file")
	_ = cmd.MarkFlagRequired("schema")
	return cmd
}

func runPlan(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("schema")
	schema, err := normalizer.LoadSchema(path)
	if err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	plan, err := a.Normalizer.PlanMigration(cmd.Context(), schema)
	if err != nil {
		return err
	}
	if jsonOutput(cmd) {
		return json.NewEncoder(os.Stdout).Encode(plan)
	}
	printPlan(plan)
	return nil
}

func plansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "List stored migration plans",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			plans, err := a.Normalizer.ListPlans(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return json.NewEncoder(os.Stdout).Encode(plans)
			}
			for _, p := range plans {
				fmt.Printf("%s\t%d steps\tcreated %s\n", p.ID, len(p.Steps), p.CreatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
}

func printPlan(plan normalizer.Plan) {
	fmt.Printf("Plan %s (%d steps)\n", plan.ID, len(plan.Steps))
	fmt.Println(strings.Repeat("=", 40))
	for i, step := range plan.Steps {
		fmt.Printf("%2d. %s.%s -> %s (%s)\n", i+1, step.Collection, step.FieldPath, step.TargetType, step.TargetField)
		if len(step.KeyFields) > 0 {
			fmt.Printf("    key fields: %s\n", strings.Join(step.KeyFields, ", "))
		}
	}
}
