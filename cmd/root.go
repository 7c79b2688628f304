package cmd

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kashguard/go-train-infra/cmd/cert"
	"github.com/kashguard/go-train-infra/cmd/db"
	"github.com/kashguard/go-train-infra/cmd/peer"
	"github.com/kashguard/go-train-infra/cmd/server"
	"github.com/kashguard/go-train-infra/cmd/session"
	"github.com/kashguard/go-train-infra/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "train",
	Short: "Distributed training session orchestration",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config.DefaultServiceConfigFromEnv().ApplyLogger()
	},
}

// Execute 执行根命令
func Execute() {
	rootCmd.AddCommand(
		server.New(),
		peer.New(),
		session.New(),
		db.New(),
		cert.New(),
	)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
