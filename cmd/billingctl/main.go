package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/PortNumber53/mealplan-billing/internal/config"
	"github.com/PortNumber53/mealplan-billing/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "billingctl",
	Short: "Operational tooling for the meal plan billing service",
	Long:  `Manage the billing database schema, replay provider events, and inspect the job queue.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load(
			"../.env",
			".env",
		)
		logging.Init(logging.Config{
			Format:  os.Getenv("LOG_FORMAT"),
			Level:   os.Getenv("LOG_LEVEL"),
			Service: "billingctl",
		})
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(jobsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	return config.Load()
}
