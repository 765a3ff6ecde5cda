package main

import (
	"context"
	"error_book_backend/internal/app"
	"error_book_backend/internal/config"
	"error_book_backend/pkg/logger"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var rootCmd = &cobra.Command{
	Use:          "errorbook-jobs",
	Short:        "Periodic jobs for the error-book backend",
	Long:         "errorbook-jobs runs the scheduled entry points (daily snapshots, plan expiry) as one-shot invocations, meant to be driven by cron or a k8s CronJob.",
	SilenceUsage: true,
}

// Execute 收到 SIGINT/SIGTERM 时取消正在执行的任务
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().String("config", "configs", "Directory containing config.yaml")

	rootCmd.AddCommand(snapshotDailyCmd)
	rootCmd.AddCommand(snapshotUserCmd)
	rootCmd.AddCommand(expirePlansCmd)
}

// jobEnv 一次任务调用所需的配置、数据库和服务
type jobEnv struct {
	cfg      *config.Config
	db       *gorm.DB
	services *app.Services
}

func (e *jobEnv) close() {
	if sqlDB, err := e.db.DB(); err == nil {
		sqlDB.Close()
	}
	logger.Log.Sync()
}

func setup(cmd *cobra.Command) (*jobEnv, error) {
	dir, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(dir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.InitLogger(cfg)

	db, rdb, err := app.OpenStores(cfg)
	if err != nil {
		return nil, fmt.Errorf("open stores: %w", err)
	}

	return &jobEnv{
		cfg:      cfg,
		db:       db,
		services: app.BuildServices(cfg, db, rdb, app.NewTransport(cfg.AI)),
	}, nil
}
