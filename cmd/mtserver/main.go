// Command mtserver запускает loopback-реализацию RPC-бэкенда для разработки и
// тестов mtclient.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"telegram-mtengine/internal/infra/config"
	"telegram-mtengine/internal/infra/logger"
	"telegram-mtengine/internal/infra/storage"
	"telegram-mtengine/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		logger.Error("mtserver failed", zap.Error(err))
	}
	logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envPath string
	root := &cobra.Command{
		Use:           "mtserver",
		Short:         "Loopback mtengine RPC backend",
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
	root.AddCommand(newServeCmd(), newKeygenCmd())
	return root
}

func newKeygenCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the server signing key and print its public half",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := config.Get().Server.KeyFile
			pub, err := generateKey(path, force)
			if err != nil {
				return err
			}
			logger.Info("server key written", zap.String("path", path))
			fmt.Fprintf(cmd.OutOrStdout(), "SERVER_PUBLIC_KEY=%s\n", hex.EncodeToString(pub))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key")
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Accept client connections until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), config.Get().Server)
		},
	}
}

func serve(ctx context.Context, cfg config.ServerEnv) error {
	key, err := loadKey(cfg.KeyFile)
	if err != nil {
		return err
	}

	opts := server.Options{
		Key:          key,
		HistoryLimit: cfg.HistoryLimit,
		SaltRotation: cfg.SaltRotation,
		FloodRate:    rate.Limit(cfg.FloodRate),
		FloodBurst:   cfg.FloodBurst,
		Logger:       logger.Logger(),
	}
	if cfg.DBFile != "" {
		if err := storage.EnsureDir(cfg.DBFile); err != nil {
			return err
		}
		db, err := bbolt.Open(cfg.DBFile, storage.FilePerm, nil)
		if err != nil {
			return errors.Wrapf(err, "open %s", cfg.DBFile)
		}
		defer func() { _ = db.Close() }()
		if opts.Keys, err = server.NewBoltKeyStore(db); err != nil {
			return err
		}
	}
	srv, err := server.New(opts)
	if err != nil {
		return err
	}

	tcp, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return errors.Wrap(err, "listen tcp")
	}
	var ws net.Listener
	if cfg.WSListenAddr != "" {
		if ws, err = net.Listen("tcp", cfg.WSListenAddr); err != nil {
			_ = tcp.Close()
			return errors.Wrap(err, "listen websocket")
		}
		logger.Info("websocket listener ready", zap.String("addr", ws.Addr().String()))
	}
	logger.Info("mtserver listening",
		zap.String("addr", tcp.Addr().String()),
		zap.String("public_key", hex.EncodeToString(srv.PublicKey())),
	)

	err = srv.Run(ctx, tcp, ws)
	logger.Info("Graceful shutdown complete")
	return err
}
