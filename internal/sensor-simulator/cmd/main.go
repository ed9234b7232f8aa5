package main

import (
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/config"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/infrastructure/logging"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/entities"
	"github.com/LeonardoBeccarini/smart_irrigation/internal/model/messages"
	sensorSimulator "github.com/LeonardoBeccarini/smart_irrigation/internal/sensor-simulator"
	"github.com/LeonardoBeccarini/smart_irrigation/pkg/rabbitmq"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath  string
		sensorIDs   []string
		fieldID     string
		interval    time.Duration
		irrigateFor time.Duration
		halfLife    time.Duration
		lat, lon    float64
	)

	cmd := &cobra.Command{
		Use:          "sensor-sim",
		Short:        "Publishes simulated soil telemetry",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.New(), configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, log := logging.NewLogger(ctx, "sensor-simulator", version, cfg.LogLevel)

			broker := cfg.Broker
			broker.ClientID = "sensor-sim-" + uuid.NewString()[:8]
			client, err := rabbitmq.NewRabbitMQConn(&broker, ctx)
			if err != nil {
				return err
			}

			if halfLife <= 0 {
				return fmt.Errorf("half-life must be positive, got %s", halfLife)
			}
			decayPerMin := math.Log(2) / halfLife.Minutes() * defaultSeedFraction
			sensors := lo.Map(sensorIDs, func(id string, i int) *sensorSimulator.SimulatedSensor {
				gen := sensorSimulator.NewDataGenerator(decayPerMin, time.Now().UnixNano()+int64(i))
				gen.SeedFromSoilGrids(ctx, lat, lon)
				return &sensorSimulator.SimulatedSensor{
					Sensor: entities.Sensor{
						ID:        id,
						FieldID:   fieldID,
						Latitude:  lat,
						Longitude: lon,
						Status:    entities.SensorActive,
					},
					Generator: gen,
				}
			})

			topics := sensorSimulator.DecisionTopics(cfg.TopicBase, lo.Map(sensors, func(s *sensorSimulator.SimulatedSensor, _ int) entities.Sensor {
				return s.Sensor
			}))
			var consumer rabbitmq.IConsumer[messages.DecisionEvent] = rabbitmq.NewMultiConsumer(client, topics, nil)
			publisher := rabbitmq.NewPublisher(client, "")

			log.Info().Strs("sensors", sensorIDs).Dur("interval", interval).Msg("simulator started")
			sim := sensorSimulator.NewSimulator(cfg.TopicBase, sensors, publisher, consumer, irrigateFor, log)
			sim.Start(ctx, interval)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	cmd.Flags().StringSliceVar(&sensorIDs, "sensor", []string{"sensor1"}, "sensor ids to simulate")
	cmd.Flags().StringVar(&fieldID, "field", "field1", "field the sensors belong to")
	cmd.Flags().DurationVar(&interval, "interval", 10*time.Second, "publish interval")
	cmd.Flags().DurationVar(&irrigateFor, "irrigate-for", 10*time.Minute, "how long a START decision keeps the valve open")
	cmd.Flags().DurationVar(&halfLife, "half-life", 2*time.Hour, "soil moisture half-life without irrigation")
	cmd.Flags().Float64Var(&lat, "lat", 41.51109, "latitude")
	cmd.Flags().Float64Var(&lon, "lon", 12.37007, "longitude")
	return cmd
}

// defaultSeedFraction turns the exponential half-life into a linear loss rate
// around the usual 30% water content.
const defaultSeedFraction = 0.30
