package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"orbit-sitecov/common/logger"
	"orbit-sitecov/internal/config"
	"orbit-sitecov/internal/metrics"
	"orbit-sitecov/internal/service"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type rootOptions struct {
	envFiles []string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "sitecov",
		Short:        "Site role coverage and starter pack reconciliation",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFiles(opts.envFiles)
		},
	}
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "dotenv files to load (missing files are skipped)")

	cmd.AddCommand(
		newServeCmd(),
		newImportCmd(),
		newCoverageCmd(),
		newHistoryCmd(),
		newTemplateCmd(),
		newMigrateCmd(),
	)
	return cmd
}

// loadEnvFiles 已存在的环境变量优先
func loadEnvFiles(files []string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
		existing = append(existing, f)
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// bootstrap 配置 + 日志 + 服务；reg 为 nil 时使用独立注册表
func bootstrap(reg prometheus.Registerer) (*config.Config, *zap.Logger, *metrics.Metrics, *service.SiteService, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "sitecov")
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := metrics.New(reg)
	svc, err := service.NewSiteService(cfg, m, log)
	if err != nil {
		_ = log.Sync()
		return nil, nil, nil, nil, err
	}
	return cfg, log, m, svc, nil
}
