// hsm-stream-tail prints a real-time, human-readable log of HSM action
// stream events, optionally resolving FIDs to paths via 'lfs fid2path'.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/stanford-rc/lustre-hsm-action-stream/internal/consumer"
	"github.com/stanford-rc/lustre-hsm-action-stream/internal/hsmstream"
	"github.com/stanford-rc/lustre-hsm-action-stream/internal/logutil"
)

const defaultConfigPath = "/etc/lustre-hsm-action-stream/hsm_stream_tail.yaml"

var colors = map[string]string{
	"STARTED":  "\033[94m",
	"WAITING":  "\033[93m",
	"SUCCEED":  "\033[92m",
	"FAILED":   "\033[91m",
	"CANCELED": "\033[91m",
	"PURGED":   "\033[2m",
}

const (
	colorDim = "\033[2m"
	colorEnd = "\033[0m"
)

type tailConfig struct {
	Mountpoint        string `yaml:"mountpoint"`
	RedisHost         string `yaml:"redis_host"`
	RedisPort         int    `yaml:"redis_port"`
	RedisDB           int    `yaml:"redis_db"`
	RedisStreamPrefix string `yaml:"redis_stream_prefix"`
}

// loadConfig is best-effort: tail runs fine on flags alone.
func loadConfig(path string) tailConfig {
	cfg := tailConfig{RedisHost: "localhost", RedisPort: 6379, RedisDB: 1, RedisStreamPrefix: "hsm:actions"}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not parse config %s: %v\n", path, err)
	}
	return cfg
}

func main() {
	_ = godotenv.Load()

	configPath := flag.String("c", defaultConfigPath, "Path to YAML config file.")
	mountpoint := flag.String("mountpoint", "", "Lustre mountpoint for 'lfs fid2path' (overrides config).")
	host := flag.String("host", "", "Redis server host (overrides config).")
	port := flag.Int("port", 0, "Redis server port (overrides config).")
	db := flag.Int("db", -1, "Redis database number (overrides config).")
	prefix := flag.String("stream-prefix", "", "Prefix of Redis streams (overrides config).")
	fromBeginning := flag.Bool("from-beginning", false, "Start tailing from the beginning of all streams.")
	show := flag.String("show", "", "Comma-separated action/status types hidden by default to show (e.g. PURGED).")
	hide := flag.String("hide", "", "Comma-separated additional action/status types to hide.")
	logLevel := flag.String("log-level", "info", "Logging level for stderr output.")
	logFile := flag.String("log-file", "", "Redirect logging output to a file instead of stderr.")
	flag.Parse()

	log, err := logutil.New(*logLevel, *logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	if *mountpoint != "" {
		cfg.Mountpoint = *mountpoint
	}
	if *host != "" {
		cfg.RedisHost = *host
	}
	if *port != 0 {
		cfg.RedisPort = *port
	}
	if *db >= 0 {
		cfg.RedisDB = *db
	}
	if *prefix != "" {
		cfg.RedisStreamPrefix = *prefix
	}

	// PURGED noise is hidden unless explicitly requested.
	hidden := map[string]struct{}{"PURGED": {}}
	for _, item := range splitList(*show) {
		delete(hidden, strings.ToUpper(item))
	}
	for _, item := range splitList(*hide) {
		hidden[strings.ToUpper(item)] = struct{}{}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reader := consumer.New(hsmstream.Options{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		DB:       cfg.RedisDB,
		Password: os.Getenv("REDIS_PASSWORD"),
	}, cfg.RedisStreamPrefix, log)
	defer reader.Close()

	fmt.Fprintf(os.Stderr, "Tailing streams with prefix '%s:*'. Press Ctrl+C to exit.\n", cfg.RedisStreamPrefix)

	useColor := isTerminal(os.Stdout) && os.Getenv("NO_COLOR") == ""
	fidCache := map[string]string{}

	for msg := range reader.Events(ctx, *fromBeginning, 0) {
		if msg.EndOfHistory {
			continue
		}
		ev := msg.Data

		filterable := ev.Action
		if filterable == "" {
			filterable = ev.EventType
		}
		if _, ok := hidden[filterable]; ok {
			continue
		}
		if _, ok := hidden[ev.Status]; ok {
			continue
		}

		ts := "N/A"
		if ev.Timestamp > 0 {
			ts = time.Unix(ev.Timestamp, 0).Format("2006-01-02 15:04:05")
		}
		mdt := ev.MDT
		if mdt == "" {
			mdt = "?"
		}
		if filterable == "" {
			filterable = "?"
		}
		status := ev.Status
		if status == "" {
			status = "?"
		}

		pathStr := ""
		if ev.FID != "" && cfg.Mountpoint != "" {
			if path := resolveFID(cfg.Mountpoint, ev.FID, fidCache, log); path != "" {
				pathStr = "-> " + path
			} else {
				pathStr = fmt.Sprintf("-> (path for %s not found)", ev.FID)
			}
		} else if ev.FID != "" {
			pathStr = "-> " + ev.FID
		}

		fmt.Printf("%s [%s] %-8s %s %s %s\n",
			ts, mdt, filterable,
			colorize(fmt.Sprintf("%-8s", status), colors[status], useColor),
			pathStr,
			colorize(fmt.Sprintf("(id: %s)", msg.ID), colorDim, useColor))
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func colorize(text, color string, enabled bool) string {
	if !enabled || color == "" {
		return text
	}
	return color + text + colorEnd
}

func isTerminal(f *os.File) bool {
	st, err := f.Stat()
	if err != nil {
		return false
	}
	return st.Mode()&os.ModeCharDevice != 0
}

// resolveFID shells out to 'lfs fid2path', caching results per run.
func resolveFID(mountpoint, fid string, cache map[string]string, log logrus.FieldLogger) string {
	if path, ok := cache[fid]; ok {
		return path
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "lfs", "fid2path", mountpoint, fid).Output()
	if err != nil {
		log.Warnf("tail: fid resolution failed for %s: %v", fid, err)
		return ""
	}
	path := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	cache[fid] = path
	return path
}
