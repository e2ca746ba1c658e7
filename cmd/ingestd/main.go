// Command ingestd runs the broker-to-database ingestion pipeline: it
// loads a TOML configuration, wires the MQTT source, topic queues,
// parser, and PostgreSQL writer into a pipeline.Pipeline, and blocks
// until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yhyj/datawizard/internal/config"
	"github.com/yhyj/datawizard/internal/health"
	"github.com/yhyj/datawizard/internal/logger"
	"github.com/yhyj/datawizard/internal/parser"
	"github.com/yhyj/datawizard/internal/pipeline"
	"github.com/yhyj/datawizard/internal/queue"
	mqttsource "github.com/yhyj/datawizard/internal/source/mqtt"
	"github.com/yhyj/datawizard/internal/writer/postgres"
)

const healthProbeInterval = 5 * time.Second

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML configuration file")
	flag.Parse()

	log := logger.New("ingestd")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queuePolicy := queue.PolicyDropOldest
	if cfg.Cache.Policy == config.PolicyBlock {
		queuePolicy = queue.PolicyBlock
	}
	onDrop := func(topic string, dropped int) {
		log.Error().Str("topic", topic).Int("dropped", dropped).Msg("queue overflow, dropping buffered messages")
	}
	queues := queue.NewMap(cfg.Source.MQTT.Topics, cfg.Cache.Cordon, queuePolicy, onDrop)

	pg := cfg.Storage.PostgreSQL
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s", pg.User, pg.Password, pg.Host, pg.Port, pg.DBName)
	writer, err := postgres.Open(ctx, dsn, postgres.Config{
		Pool: postgres.PoolConfig{
			MinConns: int32(pg.Pool.MinCached),
			MaxConns: int32(pg.Pool.MaxConnections),
			Blocking: pg.Pool.Blocking,
		},
		ColumnTS: pg.Column.ColumnTS,
		ColumnID: pg.Column.ColumnID,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open database writer")
	}
	defer writer.Close()

	mqttCfg := mqttsource.Config{
		Broker:       fmt.Sprintf("tcp://%s:%d", cfg.Source.MQTT.Host, cfg.Source.MQTT.Port),
		Username:     cfg.Source.MQTT.Username,
		Password:     cfg.Source.MQTT.Password,
		ClientID:     cfg.Source.MQTT.ClientID,
		CleanSession: *cfg.Source.MQTT.Clean,
		KeepAlive:    time.Duration(cfg.Source.MQTT.Keepalive) * time.Second,
		Topics:       cfg.Source.MQTT.Topics,
		QoS:          *cfg.Source.MQTT.QoS,
	}
	source := mqttsource.New(mqttCfg, queues, log)

	checker := health.NewAggregator(log,
		health.NewPingChecker("postgres", writer, log, 2*time.Second),
		health.NewSourceChecker("mqtt", source),
	)
	go checker.Start(ctx, healthProbeInterval)

	p := pipeline.New(source, queues, writer, pipeline.Config{
		Flow:            cfg.Storage.Select,
		WorkersPerTopic: cfg.Main.Number,
		Parser: parser.Config{
			Column: parser.ColumnConfig{
				TimestampColumn: pg.Column.ColumnTS,
				IDColumn:        pg.Column.ColumnID,
			},
			LogFork: parser.LogForkConfig{
				Enabled: pg.Message.Switch,
				Schema:  pg.Message.Schema,
				Table:   pg.Message.Table,
				Columns: pg.Message.Column,
			},
		},
	}, log)

	log.Info().Str("broker", mqttCfg.Broker).Strs("topics", mqttCfg.Topics).Msg("ingestd starting")
	if err := p.Start(ctx); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("pipeline exited")
		os.Exit(1)
	}
	log.Info().Msg("ingestd stopped")
}
