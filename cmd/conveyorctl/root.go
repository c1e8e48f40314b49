package main

import (
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/gigwork/conveyor/config"
	"github.com/gigwork/conveyor/dlq"
	redisstore "github.com/gigwork/conveyor/store/redis"
)

var (
	configPath string
	redisAddr  string

	st  *redisstore.Store
	svc *dlq.Service
)

var rootCmd = &cobra.Command{
	Use:           "conveyorctl",
	Short:         "Operations CLI for the conveyor job orchestrator",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if st != nil {
			return nil
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if redisAddr != "" {
			cfg.Redis.Addr = redisAddr
		}

		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		st = redisstore.New(client, redisstore.WithLogger(cfg.Logger()))
		if err := st.Ping(cmd.Context()); err != nil {
			return err
		}

		svc = dlq.NewService(st, st)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to conveyor config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", "", "Redis address (overrides config)")
}
