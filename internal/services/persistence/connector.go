package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type ConnectorFunc func() (*gorm.DB, zerolog.Logger, error)

type ConnectorConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	DbName   string
	SslMode  string
	// DSN, when set, is used as is.
	DSN string

	// MaxElapsed bounds the connect retries; zero means one minute.
	MaxElapsed time.Duration
}

func (c ConnectorConfig) dsn() string {
	if c.DSN != "" {
		return c.DSN
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s password=%s",
		c.Host, port, c.Username, c.DbName, c.SslMode, c.Password)
}

// NewSQLiteConnector opens dsn, or a private in-memory database when dsn is empty.
func NewSQLiteConnector(log zerolog.Logger, dsn string) ConnectorFunc {
	if dsn == "" {
		dsn = "file::memory:"
	}
	return func() (*gorm.DB, zerolog.Logger, error) {
		db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger:          logger.Default.LogMode(logger.Silent),
			CreateBatchSize: 1000,
		})

		if err == nil {
			db.Exec("PRAGMA foreign_keys = ON")
			sqldb, _ := db.DB()
			sqldb.SetMaxOpenConns(1)
		}

		return db, log, err
	}
}

// NewPostgreSQLConnector retries with exponential backoff until the database answers.
func NewPostgreSQLConnector(ctx context.Context, log zerolog.Logger, cfg ConnectorConfig) ConnectorFunc {
	dbURI := cfg.dsn()

	return func() (*gorm.DB, zerolog.Logger, error) {
		sublogger := log.With().Str("host", cfg.Host).Str("database", cfg.DbName).Logger()

		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = cfg.MaxElapsed
		if bo.MaxElapsedTime <= 0 {
			bo.MaxElapsedTime = time.Minute
		}

		var db *gorm.DB
		err := backoff.Retry(func() error {
			sublogger.Info().Msg("connecting to database host")

			conn, err := gorm.Open(postgres.Open(dbURI), &gorm.Config{
				Logger: logger.New(
					&sublogger,
					logger.Config{
						SlowThreshold:             time.Second,
						LogLevel:                  logger.Warn,
						IgnoreRecordNotFoundError: true,
						Colorful:                  false,
					},
				),
			})
			if err != nil {
				sublogger.Error().Err(err).Msg("failed to connect to database")
				return err
			}
			db = conn
			return nil
		}, backoff.WithContext(bo, ctx))

		return db, sublogger, err
	}
}
