// Command mtclient подключается к RPC-бэкенду: интерактивная сессия,
// экспорт строки сессии и проверка связи.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"telegram-mtengine/internal/infra/config"
	"telegram-mtengine/internal/infra/logger"
)

func main() {
	// Ctrl+C/SIGTERM отменяют контекст всех команд.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		logger.Error("mtclient failed", zap.Error(err))
	}
	logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envPath string
	root := &cobra.Command{
		Use:           "mtclient",
		Short:         "Client for the mtengine RPC backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load(envPath)
			if err != nil {
				return err
			}
			logger.Init(cfg.Log.Level)
			logger.EnableFile(logger.FileOptions{
				Path:       cfg.Log.File,
				Level:      cfg.Log.FileLevel,
				MaxSizeMB:  cfg.Log.FileMaxSizeMB,
				MaxBackups: cfg.Log.FileMaxBackups,
				MaxAgeDays: cfg.Log.FileMaxAgeDays,
				Compress:   cfg.Log.FileCompress,
			})
			for _, msg := range cfg.Warnings() {
				logger.Warn(msg)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&envPath, "env", "assets/.env", "path to .env file")
	root.AddCommand(newRunCmd(), newExportCmd(), newPingCmd())
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start an interactive session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := runConsole(cmd.Context(), config.Get().Client); err != nil {
				return err
			}
			logger.Info("Graceful shutdown complete")
			return nil
		},
	}
}

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export-session",
		Short: "Connect once and print a portable session string",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd.Context(), config.Get().Client, func(_ context.Context, a *app) error {
				token, err := a.client.ExportSession()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			})
		},
	}
}

func newPingCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Measure round trip time to the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd.Context(), config.Get().Client, func(ctx context.Context, a *app) error {
				for i := range count {
					rtt, err := a.client.Ping(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "pong %d: %s\n", i+1, rtt)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&count, "count", "c", 1, "number of pings")
	return cmd
}
