package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagServer   string
	flagUsername string
	flagPassword string
	flagNoMedia  bool
)

var rootCmd = &cobra.Command{
	Use:   "confab",
	Short: "Join and host real-time meetings from the terminal",
	Long: `Confab is a command-line client for the confab meeting coordinator.
It connects to a meeting over a single persistent connection, relays chat,
and negotiates direct media sessions with the other participants.`,
}

// Execute runs the root command. Called once from main.
func Execute() {
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "http://localhost:8080", "coordinator base URL")
	rootCmd.PersistentFlags().StringVarP(&flagUsername, "username", "u", "", "display name to join as")
	rootCmd.PersistentFlags().StringVarP(&flagPassword, "password", "p", "", "account password")
	rootCmd.PersistentFlags().BoolVar(&flagNoMedia, "no-media", false, "join signaling-only, without media sessions")
}
