package shipper

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/stanford-rc/lustre-hsm-action-stream/internal/config"
	"github.com/stanford-rc/lustre-hsm-action-stream/internal/hsmstream"
	"github.com/stanford-rc/lustre-hsm-action-stream/internal/scancache"
)

const (
	replayChunk    = 1000
	warnAfterLoops = 100
)

// Maintenance validates each per-MDT stream against the ground truth cache
// snapshot handed over by the shipper, injects corrective PURGED events for
// orphans, and garbage-collects entries older than the oldest live action.
type Maintenance struct {
	cfg  *config.Config
	log  logrus.FieldLogger
	conn *hsmstream.Connector
}

func NewMaintenance(cfg *config.Config, conn *hsmstream.Connector, log logrus.FieldLogger) *Maintenance {
	return &Maintenance{cfg: cfg, log: log, conn: conn}
}

// Run consumes triggers from the shipper handoff until ctx is cancelled.
// A maintenance failure never stops shipping; errors stay inside the cycle.
func (m *Maintenance) Run(ctx context.Context, triggers <-chan Trigger) error {
	m.log.Info("maintenance: started, waiting for triggers")
	for {
		select {
		case <-ctx.Done():
			m.log.Info("maintenance: shut down")
			return nil
		case t := <-triggers:
			m.RunCycle(ctx, t.Snapshot, t.MDTs)
		}
	}
}

// RunCycle performs one full maintenance pass over the locally managed MDTs,
// in strict replay, reconcile, trim order per MDT.
func (m *Maintenance) RunCycle(ctx context.Context, groundTruth scancache.Cache, mdts map[string]struct{}) {
	m.log.Info("maintenance: starting full cycle")
	start := time.Now()

	rdb, err := m.conn.Get(ctx)
	if err != nil {
		m.log.Errorf("maintenance: no redis connection, aborting cycle: %v", err)
		return
	}

	for mdt := range mdts {
		if ctx.Err() != nil {
			return
		}
		stream := hsmstream.StreamName(m.cfg.RedisStreamPrefix, mdt)

		live, err := m.replayStream(ctx, rdb, stream)
		if err != nil {
			m.log.Warnf("maintenance: could not replay %s, skipping MDT: %v", stream, err)
			continue
		}

		orphans := m.reconcile(ctx, rdb, mdt, groundTruth, live)
		for _, key := range orphans {
			delete(live, key)
		}

		if len(live) == 0 {
			m.log.Infof("maintenance: no live actions remain for %s, clearing all history", stream)
			m.trimAll(ctx, rdb, stream)
		} else {
			m.trimBefore(ctx, rdb, stream, live)
		}
	}
	m.log.Infof("maintenance: full cycle finished in %.2fs", time.Since(start).Seconds())
}

// replayStream folds the whole stream into a map of live action_key to the
// stream ID that last made it live. Malformed entries are logged and skipped
// but still advance the cursor, so one bad entry never wedges the replay.
func (m *Maintenance) replayStream(ctx context.Context, rdb *redis.Client, stream string) (map[string]string, error) {
	live := map[string]string{}
	lastID := "0-0"
	total := 0

	for ctx.Err() == nil {
		res, err := rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Count:   replayChunk,
			Block:   -1,
		}).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(res) == 0 || len(res[0].Messages) == 0 {
			break
		}

		for _, msg := range res[0].Messages {
			lastID = msg.ID
			total++
			ev, err := hsmstream.DecodeEntry(msg.Values)
			if err != nil {
				m.log.Warnf("maintenance: skipping malformed entry %s in %s: %v", msg.ID, stream, err)
				continue
			}
			if ev.ActionKey == "" {
				m.log.Warnf("maintenance: skipping entry %s in %s: missing action_key", msg.ID, stream)
				continue
			}
			switch {
			case ev.Live():
				live[ev.ActionKey] = msg.ID
			case ev.EventType == hsmstream.EventPurged:
				delete(live, ev.ActionKey)
			}
		}
	}

	m.log.Debugf("maintenance: replayed %d events from %s, %d live actions", total, stream, len(live))
	return live, nil
}

// reconcile compares the replayed live set against the ground truth snapshot
// for one MDT and injects a corrective PURGED for every orphan: an action the
// stream believes is live but the filesystem no longer knows. Returns the
// orphaned keys so the caller can drop them from its in-memory view.
func (m *Maintenance) reconcile(ctx context.Context, rdb *redis.Client, mdt string, groundTruth scancache.Cache, live map[string]string) []string {
	truth := map[string]struct{}{}
	for key, entry := range groundTruth {
		if key.MDT != mdt {
			continue
		}
		actionKey := entry.ActionKey
		if actionKey == "" && entry.FID != "" && entry.Action != "" {
			actionKey = entry.FID + ":" + entry.Action
		}
		if actionKey != "" {
			truth[actionKey] = struct{}{}
		}
	}

	var orphans []string
	for actionKey := range live {
		if _, ok := truth[actionKey]; !ok {
			orphans = append(orphans, actionKey)
		}
	}
	if len(orphans) == 0 {
		m.log.Infof("maintenance: stream for %s is consistent with ground truth", mdt)
		return nil
	}

	m.log.Warnf("maintenance: found %d orphan(s) for %s, injecting corrective PURGED events", len(orphans), mdt)
	now := time.Now().Unix()
	events := make([]hsmstream.Event, 0, len(orphans))
	for _, actionKey := range orphans {
		// The original cat/rec indices are unknowable here; the action_key
		// is the identity that matters for replay.
		events = append(events, hsmstream.Event{
			EventType: hsmstream.EventPurged,
			MDT:       mdt,
			Status:    hsmstream.StatusPurged,
			ActionKey: actionKey,
			Timestamp: now,
			Source:    hsmstream.SourceMaintenance,
		})
	}
	if err := hsmstream.AppendEvents(ctx, rdb, m.cfg.RedisStreamPrefix, events); err != nil {
		m.log.Errorf("maintenance: failed to ship corrective events for %s: %v", mdt, err)
		return nil
	}
	m.log.Infof("maintenance: shipped %d corrective events for %s", len(events), mdt)
	return orphans
}

// trimAll deletes the entire stream history, in chunks when approximate
// trimming is enabled. Safe only when no live action references the stream.
func (m *Maintenance) trimAll(ctx context.Context, rdb *redis.Client, stream string) {
	m.trimLoop(ctx, stream, func() (int64, error) {
		if m.cfg.UseApproximateTrimming {
			return rdb.XTrimMaxLenApprox(ctx, stream, 0, m.cfg.TrimChunkSize).Result()
		}
		// Redis only allows LIMIT together with approximate trimming, so the
		// exact variant clears everything in one call and the loop exits on
		// the following zero.
		return rdb.XTrimMaxLen(ctx, stream, 0).Result()
	})
}

// trimBefore deletes entries older than the oldest live-referenced stream ID.
// The shipper cannot append an ID below one Redis already assigned, so
// concurrent appends are safe against this boundary.
func (m *Maintenance) trimBefore(ctx context.Context, rdb *redis.Client, stream string, live map[string]string) {
	oldest := ""
	for _, id := range live {
		if ms, seq := hsmstream.ParseStreamID(id); ms == 0 && seq == 0 {
			continue
		}
		if oldest == "" || hsmstream.CompareStreamIDs(id, oldest) < 0 {
			oldest = id
		}
	}
	if oldest == "" {
		m.log.Warnf("maintenance: no valid stream IDs among live actions for %s, skipping trim", stream)
		return
	}

	m.log.Infof("maintenance: oldest live action ID for %s is %s, trimming older entries (approximate=%v)",
		stream, oldest, m.cfg.UseApproximateTrimming)
	m.trimLoop(ctx, stream, func() (int64, error) {
		if m.cfg.UseApproximateTrimming {
			return rdb.XTrimMinIDApprox(ctx, stream, oldest, m.cfg.TrimChunkSize).Result()
		}
		return rdb.XTrimMinID(ctx, stream, oldest).Result()
	})
}

// trimLoop re-runs one trim step until it deletes nothing, checking shutdown
// between chunks and warning once when the backlog is unusually large.
func (m *Maintenance) trimLoop(ctx context.Context, stream string, step func() (int64, error)) {
	var total int64
	for loops := 1; ctx.Err() == nil; loops++ {
		deleted, err := step()
		if err != nil {
			m.log.Errorf("maintenance: trim failed for %s, will retry next cycle: %v", stream, err)
			return
		}
		if deleted <= 0 {
			break
		}
		total += deleted
		if loops == warnAfterLoops {
			m.log.Warnf("maintenance: trim for %s has run %d chunks, processing a very large backlog", stream, loops)
		}
	}
	if total > 0 {
		m.log.Infof("maintenance: garbage collection for %s complete, %d entries removed", stream, total)
	} else {
		m.log.Infof("maintenance: no entries needed trimming for %s", stream)
	}
}
