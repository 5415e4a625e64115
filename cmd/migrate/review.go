package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"erpsplit/internal/normalizer"
)

func reviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "List documents that need a manual decision",
		Long: `Lists embedded objects that had neither an id nor the key fields of
their target type. Those documents were left untouched.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter normalizer.ReviewFilter
			filter.PlanID, _ = cmd.Flags().GetString("plan")
			filter.StepID, _ = cmd.Flags().GetString("step")
			filter.Limit, _ = cmd.Flags().GetInt("limit")

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			items, err := a.Normalizer.Review(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return json.NewEncoder(os.Stdout).Encode(items)
			}
			if len(items) == 0 {
				fmt.Println("Review queue is empty")
				return nil
			}
			for _, item := range items {
				fmt.Printf("%s\t%s/%s\t%s\n", item.StepID, item.Collection, item.DocumentID, item.Reason)
			}
			return nil
		},
	}
	cmd.Flags().String("plan", "", "Only items of this plan")
	cmd.Flags().String("step", "", "Only items of this step")
	cmd.Flags().IntP("limit", "n", 50, "Maximum items")
	return cmd
}
