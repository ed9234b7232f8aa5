package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/LeonardoBeccarini/smart_irrigation/pkg/rabbitmq"
)

type Database struct {
	Driver   string // sqlite | postgres
	DSN      string
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

type Influx struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

func (i Influx) Enabled() bool { return i.URL != "" }

type Config struct {
	Broker rabbitmq.RabbitMQConfig

	TopicBase      string
	DecisionTopic  string
	PumpStateTopic string

	SensorTimeout time.Duration
	SweepInterval time.Duration
	TickInterval  time.Duration
	StoreTimeout  time.Duration
	DedupTTL      time.Duration

	ClassifierPath    string
	HumidityThreshold float64
	RainfallThreshold float64
	// DeriveGateMeasurements fills absent humidity/rainfall from the soil features.
	DeriveGateMeasurements bool
	Location               *time.Location

	DB     Database
	Influx Influx

	HTTPPort int
	GRPCPort int

	BreakerFailures uint32
	BreakerOpenFor  time.Duration

	LogLevel string
}

var defaults = map[string]any{
	"rabbitmq_host":            "localhost",
	"rabbitmq_port":            1883,
	"rabbitmq_user":            "guest",
	"rabbitmq_password":        "guest",
	"topic_base":               "irrigation_system",
	"decision_topic":           "{base}/{sensor}/decision",
	"pump_state_topic":         "{base}/pumps/{pump}/state",
	"sensor_timeout":           "60s",
	"sweep_interval":           "5s",
	"tick_interval":            "60s",
	"store_timeout":            "5s",
	"dedup_ttl":                "10m",
	"classifier_path":          "data/classifier.json",
	"humidity_threshold":       30.0,
	"rainfall_threshold":       0.0,
	"derive_gate_measurements": false,
	"tz":                       "Local",
	"db_driver":                "sqlite",
	"db_dsn":                   "",
	"db_host":                  "localhost",
	"db_port":                  5432,
	"db_user":                  "postgres",
	"db_password":              "",
	"db_name":                  "irrigation",
	"db_sslmode":               "disable",
	"influx_url":               "",
	"influx_token":             "",
	"influx_org":               "irrigation",
	"influx_bucket":            "irrigation",
	"http_port":                8080,
	"grpc_port":                9090,
	"breaker_failures":         5,
	"breaker_open_for":         "30s",
	"log_level":                "info",
}

// New returns a viper instance with defaults and environment lookup
// (RABBITMQ_HOST, TICK_INTERVAL, ...).
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional YAML file at path, then environment variables,
// and validates the result.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var errs []error
	dur := func(key string) time.Duration {
		d, err := parseDuration(v.GetString(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", strings.ToUpper(key), err))
		}
		return d
	}

	hostname, _ := os.Hostname()
	cfg := Config{
		Broker: rabbitmq.RabbitMQConfig{
			Host:     v.GetString("rabbitmq_host"),
			Port:     v.GetInt("rabbitmq_port"),
			User:     v.GetString("rabbitmq_user"),
			Password: v.GetString("rabbitmq_password"),
			ClientID: "irrigation-engine-" + hostname,
		},
		TopicBase:      strings.Trim(v.GetString("topic_base"), "/"),
		DecisionTopic:  v.GetString("decision_topic"),
		PumpStateTopic: v.GetString("pump_state_topic"),

		SensorTimeout: dur("sensor_timeout"),
		SweepInterval: dur("sweep_interval"),
		TickInterval:  dur("tick_interval"),
		StoreTimeout:  dur("store_timeout"),
		DedupTTL:      dur("dedup_ttl"),

		ClassifierPath:    v.GetString("classifier_path"),
		HumidityThreshold: v.GetFloat64("humidity_threshold"),
		RainfallThreshold: v.GetFloat64("rainfall_threshold"),

		DeriveGateMeasurements: v.GetBool("derive_gate_measurements"),

		DB: Database{
			Driver:   strings.ToLower(v.GetString("db_driver")),
			DSN:      v.GetString("db_dsn"),
			Host:     v.GetString("db_host"),
			Port:     v.GetInt("db_port"),
			User:     v.GetString("db_user"),
			Password: v.GetString("db_password"),
			Name:     v.GetString("db_name"),
			SSLMode:  v.GetString("db_sslmode"),
		},
		Influx: Influx{
			URL:    v.GetString("influx_url"),
			Token:  v.GetString("influx_token"),
			Org:    v.GetString("influx_org"),
			Bucket: v.GetString("influx_bucket"),
		},

		HTTPPort:        v.GetInt("http_port"),
		GRPCPort:        v.GetInt("grpc_port"),
		BreakerOpenFor:  dur("breaker_open_for"),
		BreakerFailures: uint32(v.GetUint("breaker_failures")),
		LogLevel:        v.GetString("log_level"),
	}

	loc, err := time.LoadLocation(v.GetString("tz"))
	if err != nil {
		errs = append(errs, fmt.Errorf("TZ: %w", err))
	}
	cfg.Location = loc

	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return cfg, nil
}

func (c Config) validate() []error {
	var errs []error
	positive := map[string]time.Duration{
		"SENSOR_TIMEOUT":   c.SensorTimeout,
		"SWEEP_INTERVAL":   c.SweepInterval,
		"TICK_INTERVAL":    c.TickInterval,
		"STORE_TIMEOUT":    c.StoreTimeout,
		"DEDUP_TTL":        c.DedupTTL,
		"BREAKER_OPEN_FOR": c.BreakerOpenFor,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	for name, p := range map[string]int{"RABBITMQ_PORT": c.Broker.Port, "HTTP_PORT": c.HTTPPort, "GRPC_PORT": c.GRPCPort} {
		if p <= 0 || p > 65535 {
			errs = append(errs, fmt.Errorf("%s %d out of range", name, p))
		}
	}
	switch c.DB.Driver {
	case "sqlite":
	case "postgres":
		if c.DB.DSN == "" && (c.DB.Port <= 0 || c.DB.Port > 65535) {
			errs = append(errs, fmt.Errorf("DB_PORT %d out of range", c.DB.Port))
		}
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER %q unknown (sqlite or postgres)", c.DB.Driver))
	}
	if c.TopicBase == "" {
		errs = append(errs, errors.New("TOPIC_BASE must not be empty"))
	}
	if c.BreakerFailures == 0 {
		errs = append(errs, errors.New("BREAKER_FAILURES must be positive"))
	}
	return errs
}

// parseDuration accepts Go durations and plain seconds.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}
