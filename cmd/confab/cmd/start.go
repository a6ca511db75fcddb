package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var flagGated bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a meeting and join it as host",
	Example: `  confab start -u alice
  confab start -u alice --gated`,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := login()
		if err != nil {
			return err
		}
		sr, err := createMeeting(token, "", flagGated)
		if err != nil {
			return err
		}
		fmt.Println("meeting id:", sr.MeetingID)
		if sr.Gated {
			fmt.Println("admission is gated, newcomers will wait for your approval")
		}
		return runMeeting(token, sr.MeetingID)
	},
}

func init() {
	startCmd.Flags().BoolVar(&flagGated, "gated", false, "require host approval before newcomers join")
	rootCmd.AddCommand(startCmd)
}
