// hsm-stream-stats is a stateless metrics collector: it replays the HSM
// action streams to rebuild the live action set and prints the result as a
// single JSON document on stdout, ideal for Telegraf's json_v2 parser.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/stanford-rc/lustre-hsm-action-stream/internal/consumer"
	"github.com/stanford-rc/lustre-hsm-action-stream/internal/hsmstream"
	"github.com/stanford-rc/lustre-hsm-action-stream/internal/logutil"
	"github.com/stanford-rc/lustre-hsm-action-stream/internal/streamstats"
)

const defaultConfigPath = "/etc/lustre-hsm-action-stream/hsm_stream_stats.yaml"

type statsConfig struct {
	RedisHost         string `yaml:"redis_host"`
	RedisPort         int    `yaml:"redis_port"`
	RedisDB           int    `yaml:"redis_db"`
	RedisStreamPrefix string `yaml:"redis_stream_prefix"`
}

func main() {
	_ = godotenv.Load()

	configPath := flag.String("c", defaultConfigPath, "Path to YAML config file.")
	logLevel := flag.String("log-level", "info", "Logging level for stderr output.")
	flag.Parse()

	log, err := logutil.New(*logLevel, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	data, err := os.ReadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: could not load config %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	var cfg statsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: could not parse config %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("stats: performing a full stream replay for maximum accuracy")
	reader := consumer.New(hsmstream.Options{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		DB:       cfg.RedisDB,
		Password: os.Getenv("REDIS_PASSWORD"),
	}, cfg.RedisStreamPrefix, log)
	defer reader.Close()

	collector := streamstats.NewCollector(log)
	for msg := range reader.Events(ctx, true, 200) {
		if msg.EndOfHistory {
			break
		}
		collector.Apply(msg)
	}

	bounds := streamBounds(ctx, reader, log)
	report := collector.Report(time.Now(), bounds)
	if collector.ParseWarnings() > 0 {
		log.Warnf("stats: %d events could not be parsed during replay", collector.ParseWarnings())
	}
	log.Infof("stats: %d live actions from %d events", report.Summary.TotalLiveActions, report.Summary.EventsProcessedInRun)

	if err := json.NewEncoder(os.Stdout).Encode(report); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
}

// streamBounds aggregates first/last entry times across all streams under
// the prefix via XINFO. Missing streams are skipped.
func streamBounds(ctx context.Context, reader *consumer.Reader, log logrus.FieldLogger) streamstats.StreamBounds {
	var bounds streamstats.StreamBounds
	streams, err := reader.DiscoverStreams(ctx)
	if err != nil {
		log.Warnf("stats: could not discover streams for boundary metrics: %v", err)
		return bounds
	}
	rdb, err := reader.Conn().Get(ctx)
	if err != nil {
		return bounds
	}
	for _, stream := range streams {
		info, err := rdb.XInfoStream(ctx, stream).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				log.Warnf("stats: could not retrieve boundary metrics for %s: %v", stream, err)
			}
			continue
		}
		if ms, _ := hsmstream.ParseStreamID(info.FirstEntry.ID); ms > 0 {
			t := time.UnixMilli(ms)
			if bounds.FirstEntryTime.IsZero() || t.Before(bounds.FirstEntryTime) {
				bounds.FirstEntryTime = t
			}
		}
		if ms, _ := hsmstream.ParseStreamID(info.LastGeneratedID); ms > 0 {
			t := time.UnixMilli(ms)
			if t.After(bounds.LastEntryTime) {
				bounds.LastEntryTime = t
			}
		}
	}
	return bounds
}
