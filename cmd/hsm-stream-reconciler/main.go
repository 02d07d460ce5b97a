// hsm-stream-reconciler validates the Redis HSM event streams against the
// live state of the local hsm/actions logs and reports any divergence.
// Exit code 1 signals critical discrepancies.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/stanford-rc/lustre-hsm-action-stream/internal/actionlog"
	"github.com/stanford-rc/lustre-hsm-action-stream/internal/consumer"
	"github.com/stanford-rc/lustre-hsm-action-stream/internal/hsmstream"
	"github.com/stanford-rc/lustre-hsm-action-stream/internal/logutil"
	"github.com/stanford-rc/lustre-hsm-action-stream/internal/scancache"
)

const reportLimit = 20

func main() {
	_ = godotenv.Load()

	glob := flag.String("glob", "/sys/kernel/debug/lustre/mdt/*-MDT*/hsm/actions", "Glob path to hsm/actions files.")
	host := flag.String("host", "localhost", "Redis server host.")
	port := flag.Int("port", 6379, "Redis server port.")
	db := flag.Int("db", 1, "Redis database number.")
	prefix := flag.String("stream-prefix", "hsm:actions", "Prefix of Redis streams to discover.")
	mdts := flag.String("mdts", "", "Optional comma-separated list of MDT names to validate.")
	flag.Parse()

	log, err := logutil.New("info", "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reader := consumer.New(hsmstream.Options{
		Host:     *host,
		Port:     *port,
		DB:       *db,
		Password: os.Getenv("REDIS_PASSWORD"),
	}, *prefix, log)
	defer reader.Close()

	streams, err := reader.DiscoverStreams(ctx)
	if err != nil {
		log.Errorf("reconciler: could not reach redis: %v", err)
		os.Exit(1)
	}
	if len(streams) == 0 {
		log.Warn("reconciler: no streams found, assuming consistent state (0 actions)")
	}

	groundTruth := readGroundTruth(*glob, log)
	streamState := readStreamState(ctx, reader, log)

	var scope map[string]struct{}
	if *mdts != "" {
		scope = map[string]struct{}{}
		for _, mdt := range strings.Split(*mdts, ",") {
			scope[strings.TrimSpace(mdt)] = struct{}{}
		}
		fmt.Printf("\nScoping validation to MDTs: %s\n", *mdts)
		groundTruth = scopeState(groundTruth, scope)
		streamState = scopeState(streamState, scope)
		fmt.Printf("Scoped ground truth has %d actions.\n", len(groundTruth))
		fmt.Printf("Scoped stream state has %d actions.\n", len(streamState))
	}

	if reconcile(groundTruth, streamState) {
		fmt.Println("\nSUCCESS: Validation complete. The stream state is consistent with the filesystem ground truth for the specified scope.")
		return
	}
	fmt.Println("\nFAILURE: Critical discrepancies found. Review the errors above.")
	os.Exit(1)
}

// readGroundTruth scans the hsm/actions files for live state, keyed by
// (MDT, cat_idx, rec_idx) with the status as value.
func readGroundTruth(glob string, log logrus.FieldLogger) map[scancache.Key]string {
	log.Infof("reconciler: reading ground truth from %s", glob)
	truth := map[scancache.Key]string{}
	files, err := filepath.Glob(glob)
	if err != nil {
		log.Errorf("reconciler: bad glob %q: %v", glob, err)
		return truth
	}
	for _, file := range files {
		mdt := filepath.Base(filepath.Dir(filepath.Dir(file)))
		data, err := os.ReadFile(file)
		if err != nil {
			log.Warnf("reconciler: could not read %s: %v", file, err)
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			rec, ok := actionlog.ParseLine(strings.TrimSpace(line))
			if !ok {
				continue
			}
			truth[scancache.Key{MDT: mdt, CatIdx: rec.CatIdx, RecIdx: rec.RecIdx}] = rec.Status
		}
	}
	log.Infof("reconciler: found %d live actions in local hsm/actions files", len(truth))
	return truth
}

// readStreamState replays all discovered streams into the same keyed shape,
// stopping at the reader's end-of-history sentinel.
func readStreamState(ctx context.Context, reader *consumer.Reader, log logrus.FieldLogger) map[scancache.Key]string {
	state := map[scancache.Key]string{}
	processed := 0
	for msg := range reader.Events(ctx, true, 200) {
		if msg.EndOfHistory {
			break
		}
		processed++
		ev := msg.Data
		if ev.MDT == "" {
			log.Warnf("reconciler: could not parse event %s in %s, skipping", msg.ID, msg.Stream)
			continue
		}
		key := scancache.Key{MDT: ev.MDT, CatIdx: ev.CatIdx, RecIdx: ev.RecIdx}
		switch ev.EventType {
		case hsmstream.EventNew, hsmstream.EventUpdate:
			state[key] = ev.Status
		case hsmstream.EventPurged:
			delete(state, key)
		}
	}
	log.Infof("reconciler: processed %d events, derived state has %d live actions", processed, len(state))
	return state
}

func scopeState(state map[scancache.Key]string, scope map[string]struct{}) map[scancache.Key]string {
	out := map[scancache.Key]string{}
	for key, status := range state {
		if _, ok := scope[key.MDT]; ok {
			out[key] = status
		}
	}
	return out
}

// reconcile prints the report and returns false on critical divergence.
// Status mismatches on shared keys are noted but not critical: they are the
// expected race window of a single in-flight poll cycle.
func reconcile(truth, stream map[scancache.Key]string) bool {
	var missing, extra, mismatched []scancache.Key
	for key := range truth {
		if _, ok := stream[key]; !ok {
			missing = append(missing, key)
		} else if truth[key] != stream[key] {
			mismatched = append(mismatched, key)
		}
	}
	for key := range stream {
		if _, ok := truth[key]; !ok {
			extra = append(extra, key)
		}
	}
	sortKeys(missing)
	sortKeys(extra)
	sortKeys(mismatched)

	fmt.Println("\n--- Reconciliation Report ---")
	valid := true
	if len(missing) > 0 {
		valid = false
		fmt.Printf("\nERROR: %d actions found in hsm/actions but MISSING from stream state:\n", len(missing))
		for _, key := range clip(missing) {
			fmt.Printf("  - Key: %s, Status in hsm/actions: %q\n", key, truth[key])
		}
		if len(missing) > reportLimit {
			fmt.Println("  - ... and more.")
		}
	}
	if len(extra) > 0 {
		valid = false
		fmt.Printf("\nERROR: %d actions found in stream state but are PURGED from filesystem:\n", len(extra))
		for _, key := range clip(extra) {
			fmt.Printf("  - Key: %s, Status in stream: %q\n", key, stream[key])
		}
		if len(extra) > reportLimit {
			fmt.Println("  - ... and more.")
		}
	}
	if len(mismatched) > 0 {
		fmt.Printf("\nNOTE: %d actions have MISMATCHED statuses (likely benign race condition):\n", len(mismatched))
		for _, key := range clip(mismatched) {
			fmt.Printf("  - %s: hsm/actions=%q, stream=%q\n", key, truth[key], stream[key])
		}
		if len(mismatched) > reportLimit {
			fmt.Println("  - ... and more.")
		}
	}
	fmt.Println(strings.Repeat("-", 30))
	return valid
}

func sortKeys(keys []scancache.Key) {
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.MDT != b.MDT {
			return a.MDT < b.MDT
		}
		if a.CatIdx != b.CatIdx {
			return a.CatIdx < b.CatIdx
		}
		return a.RecIdx < b.RecIdx
	})
}

func clip(keys []scancache.Key) []scancache.Key {
	if len(keys) > reportLimit {
		return keys[:reportLimit]
	}
	return keys
}
