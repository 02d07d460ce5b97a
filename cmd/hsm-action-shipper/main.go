// hsm-action-shipper is a self-healing daemon that ships Lustre HSM events
// from MDT hsm/actions logs to dedicated per-MDT Redis streams, with
// integrated stream validation and garbage collection.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/stanford-rc/lustre-hsm-action-stream/internal/config"
	"github.com/stanford-rc/lustre-hsm-action-stream/internal/hsmstream"
	"github.com/stanford-rc/lustre-hsm-action-stream/internal/logutil"
	"github.com/stanford-rc/lustre-hsm-action-stream/internal/shipper"
)

func main() {
	// Load .env automatically (if present); real environment variables take
	// precedence over it. ENV_FILE=path/to/.env loads that file instead, and
	// its values override real environment variables.
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		_ = godotenv.Overload(envFile)
	} else {
		_ = godotenv.Load()
	}

	configPath := flag.String("c", config.DefaultPath, "Path to YAML config file.")
	runOnce := flag.Bool("run-once", false, "Perform one poll/ship cycle and exit.")
	maintenanceNow := flag.Bool("maintenance-now", false, "In run-once mode, also perform one maintenance cycle.")
	flag.Parse()

	bootLog := logrus.New()
	cfg, err := config.Load(*configPath, bootLog)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
	log, err := logutil.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("shutdown signal (%s) received, stopping all workers", sig)
		cancel()
		<-sigCh
		log.Warn("multiple shutdown signals received, forcing exit")
		os.Exit(1)
	}()

	opts := hsmstream.Options{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		DB:       cfg.RedisDB,
		Password: os.Getenv("REDIS_PASSWORD"),
	}
	shipperConn := hsmstream.NewConnector(opts, log)
	defer shipperConn.Close()
	maintConn := hsmstream.NewConnector(opts, log)
	defer maintConn.Close()

	sh := shipper.New(cfg, shipperConn, log)
	maint := shipper.NewMaintenance(cfg, maintConn, log)

	if *runOnce || *maintenanceNow {
		log.Info("executing in run-once mode")
		snapshot, mdts := sh.PollCycle(ctx)
		if *maintenanceNow {
			maint.RunCycle(ctx, snapshot, mdts)
		}
		log.Info("run-once execution complete")
		return
	}

	triggers := make(chan shipper.Trigger, 1)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sh.Run(gctx, triggers) })
	g.Go(func() error { return maint.Run(gctx, triggers) })
	if err := g.Wait(); err != nil {
		log.Errorf("worker failed: %v", err)
		os.Exit(1)
	}
	sh.SaveCache()
	log.Info("all workers finished, final cache state saved")
}
