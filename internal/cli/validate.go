package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(validateCmd)
}

var validateCmd = &cobra.Command{
	Use:   "validate <plan-file>",
	Short: "Validate a task plan without executing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, result, err := loadAndValidatePlan(args[0])
		if err != nil {
			return err
		}

		printValidation(result)
		if !result.Valid {
			return fmt.Errorf("plan validation failed")
		}
		return nil
	},
}
