package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "secretary",
	Short: "Reminder and attention-management engine",
	Long:  "Secretary schedules per-conversation task reminders, honors rest and focus windows, and nags when your state goes stale. Single Go binary.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(trackersCmd)
	rootCmd.AddCommand(windowsCmd)
	rootCmd.AddCommand(stateCmd)
}
