package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/config"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/infrastructure/logging"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/services/persistence"
)

const serviceName = "irrigation-engine"

var version = "dev"

type app struct {
	v   *viper.Viper
	cfg config.Config
	log zerolog.Logger
	ctx context.Context
}

func main() {
	a := &app{v: config.New()}
	if err := a.rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "irrigation",
		Short:         "Irrigation control engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.v, configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.ctx, a.log = logging.NewLogger(cmd.Context(), serviceName, version, cfg.LogLevel)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().String("log-level", "", "log level (overrides LOG_LEVEL)")
	_ = a.v.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(a.serveCmd(), a.reconcileCmd(), a.statusCmd(), a.seedCmd())
	return root
}

func (a *app) openStore(ctx context.Context) (*persistence.GormStore, error) {
	db := a.cfg.DB
	log := logging.Component(ctx, "store")

	var connect persistence.ConnectorFunc
	switch db.Driver {
	case "postgres":
		connect = persistence.NewPostgreSQLConnector(ctx, log, persistence.ConnectorConfig{
			Host:     db.Host,
			Port:     db.Port,
			Username: db.User,
			Password: db.Password,
			DbName:   db.Name,
			SslMode:  db.SSLMode,
			DSN:      db.DSN,
		})
	default:
		connect = persistence.NewSQLiteConnector(log, db.DSN)
	}

	store, err := persistence.New(connect, persistence.WithBreaker(a.cfg.BreakerFailures, a.cfg.BreakerOpenFor))
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", db.Driver, err)
	}
	return store, nil
}
