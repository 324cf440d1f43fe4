package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	envFile string

	rootCmd = &cobra.Command{
		Use:   "chat-history",
		Short: "Chat conversation service with persisted history",
		RunE:  runServe,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server (default)",
		RunE:  runServe,
	}

	ensureCmd = &cobra.Command{
		Use:   "ensure",
		Short: "Probe the chat history store and exit non-zero when it is unhealthy",
		RunE:  runEnsure,
	}

	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token for local testing",
		RunE:  runToken,
	}
	tokenUser string
	tokenName string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load before reading the environment")
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id placed in the token subject")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name claim")
	_ = tokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(serveCmd, ensureCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
