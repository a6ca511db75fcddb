package cmd

import (
	"github.com/spf13/cobra"
)

var joinCmd = &cobra.Command{
	Use:     "join <meeting-id>",
	Short:   "Join an existing meeting",
	Example: `  confab join 3f9c1a2e -u bob`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := login()
		if err != nil {
			return err
		}
		return runMeeting(token, args[0])
	},
}

func init() {
	rootCmd.AddCommand(joinCmd)
}
