package main

import (
	"fmt"

	"github.com/ashureev/farmreg/internal/domain"
	"github.com/ashureev/farmreg/internal/validate"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <field> <value>",
	Short: "Run a field validator",
	Long: `Run the validator for one registration field and print the normalized value.

Fields: first_name, last_name, farm_location, primary_crops, phone_number`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		res := validate.NewRegistry().Validate(domain.Field(args[0]), args[1])
		if !res.Accepted() {
			return res.Err
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.Value)
		return nil
	},
}
