package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"remindbot/internal/config"
)

var (
	cfgPath string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:           "remindbot",
	Short:         "Scheduled WhatsApp reminder broadcasts",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(*cobra.Command, []string) error {
		return config.LoadEnvFile(envFile)
	},
	RunE: runServe,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "./config.json", "path to config json or yaml")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config (ignored if missing)")

	rootCmd.AddCommand(serveCmd, checkConfigCmd, sendCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
