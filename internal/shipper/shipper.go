// Package shipper converts Lustre hsm/actions snapshots into per-MDT Redis
// event streams, and keeps those streams consistent with the filesystem via
// an integrated maintenance worker.
//
// The source files have no history: every truth about births, mutations and
// deletions is reconstructed by diffing the current snapshot against the
// persisted scan cache of the previous successful cycle.
package shipper

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stanford-rc/lustre-hsm-action-stream/internal/actionlog"
	"github.com/stanford-rc/lustre-hsm-action-stream/internal/config"
	"github.com/stanford-rc/lustre-hsm-action-stream/internal/hsmstream"
	"github.com/stanford-rc/lustre-hsm-action-stream/internal/scancache"
)

// Trigger is the single-slot handoff from the shipper to the maintenance
// worker: a deep copy of the scan cache and the MDTs this host manages.
type Trigger struct {
	Snapshot scancache.Cache
	MDTs     map[string]struct{}
}

// Shipper owns the scan cache and runs the poll cycle.
type Shipper struct {
	cfg  *config.Config
	log  logrus.FieldLogger
	conn *hsmstream.Connector

	// cacheMu guards cache for the whole parse-and-diff phase, not just
	// individual mutations, so a maintenance snapshot never observes a
	// half-applied cycle.
	cacheMu sync.Mutex
	cache   scancache.Cache
}

// New loads the scan cache from disk and builds a Shipper. A missing or
// corrupt cache file is not fatal: the shipper starts fresh and re-emits
// everything as NEW, which idempotent consumers absorb.
func New(cfg *config.Config, conn *hsmstream.Connector, log logrus.FieldLogger) *Shipper {
	cache, err := scancache.Load(cfg.CachePath)
	if err != nil {
		log.Warnf("shipper: could not load cache, starting fresh: %v", err)
	}
	return &Shipper{cfg: cfg, log: log, conn: conn, cache: cache}
}

// PollCycle performs one poll: scan, diff, ship, commit. It returns a deep
// copy of the cache and the set of locally discovered MDTs for the
// maintenance handoff. All errors are absorbed: a failed append leaves the
// cache untouched so the next cycle re-derives the same events.
func (s *Shipper) PollCycle(ctx context.Context) (scancache.Cache, map[string]struct{}) {
	s.log.Info("shipper: starting poll cycle")
	start := time.Now()

	files, err := filepath.Glob(s.cfg.MDTWatchGlob)
	if err != nil {
		s.log.Errorf("shipper: bad glob %q: %v", s.cfg.MDTWatchGlob, err)
	}
	if len(files) == 0 {
		s.log.Warnf("shipper: no files found for glob %q", s.cfg.MDTWatchGlob)
	}

	var events []hsmstream.Event
	pending := map[scancache.Key]*scancache.Entry{} // nil value = delete
	seen := map[scancache.Key]struct{}{}
	mdts := map[string]struct{}{}
	unstable := map[string]struct{}{}

	s.cacheMu.Lock()
	for _, file := range files {
		// The MDT name is the basename of the file's grandparent directory
		// (".../<mdt>/hsm/actions").
		mdt := filepath.Base(filepath.Dir(filepath.Dir(file)))
		mdts[mdt] = struct{}{}

		content, stable := s.readFileSafely(file)
		if !stable {
			unstable[mdt] = struct{}{}
		}

		for _, rawLine := range strings.Split(string(content), "\n") {
			line := strings.TrimSpace(rawLine)
			if line == "" {
				continue
			}
			rec, ok := actionlog.ParseLine(line)
			if !ok || rec.FID == "" || rec.Action == "" {
				// Without fid and action there is no action_key to ship.
				continue
			}

			key := scancache.Key{MDT: mdt, CatIdx: rec.CatIdx, RecIdx: rec.RecIdx}
			seen[key] = struct{}{}
			sum := md5.Sum([]byte(line))
			hash := hex.EncodeToString(sum[:])

			existing, known := s.cache[key]
			if known && existing.Hash == hash {
				continue
			}
			eventType := hsmstream.EventNew
			if known {
				eventType = hsmstream.EventUpdate
			}
			entry := scancache.Entry{Hash: hash, Action: rec.Action, FID: rec.FID, ActionKey: rec.ActionKey()}
			pending[key] = &entry
			events = append(events, hsmstream.Event{
				EventType: eventType,
				MDT:       mdt,
				CatIdx:    rec.CatIdx,
				RecIdx:    rec.RecIdx,
				FID:       rec.FID,
				Action:    rec.Action,
				Status:    rec.Status,
				ActionKey: rec.ActionKey(),
				Timestamp: start.Unix(),
				Raw:       line,
			})
		}
	}

	events = append(events, s.collectPurges(seen, unstable, pending, start)...)
	s.cacheMu.Unlock()

	if len(events) > 0 {
		s.ship(ctx, events, pending)
	} else {
		s.log.Debug("shipper: no changes detected")
	}

	s.cacheMu.Lock()
	snapshot := s.cache.Clone()
	s.cacheMu.Unlock()
	return snapshot, mdts
}

// collectPurges emits PURGED events for cached keys absent from this cycle's
// snapshot. Keys on MDTs flagged unstable are deferred: a file rewritten
// mid-read proves nothing about deletions. Called with cacheMu held.
func (s *Shipper) collectPurges(seen map[scancache.Key]struct{}, unstable map[string]struct{}, pending map[scancache.Key]*scancache.Entry, start time.Time) []hsmstream.Event {
	var purged []scancache.Key
	for key := range s.cache {
		if _, ok := seen[key]; !ok {
			purged = append(purged, key)
		}
	}
	sort.Slice(purged, func(i, j int) bool {
		a, b := purged[i], purged[j]
		if a.MDT != b.MDT {
			return a.MDT < b.MDT
		}
		if a.CatIdx != b.CatIdx {
			return a.CatIdx < b.CatIdx
		}
		return a.RecIdx < b.RecIdx
	})

	var events []hsmstream.Event
	for _, key := range purged {
		if _, ok := unstable[key.MDT]; ok {
			s.log.Warnf("shipper: deferring purge of %s, MDT was unstable this cycle", key)
			continue
		}
		entry := s.cache[key]
		actionKey := entry.ActionKey
		if actionKey == "" && entry.FID != "" && entry.Action != "" {
			actionKey = entry.FID + ":" + entry.Action
		}
		if actionKey == "" {
			// Orphan carried over from an older cache format: synthesize a
			// placeholder identity so the event is still reconcilable.
			actionKey = fmt.Sprintf("unknown:%d:%d", key.CatIdx, key.RecIdx)
		}
		pending[key] = nil
		events = append(events, hsmstream.Event{
			EventType: hsmstream.EventPurged,
			MDT:       key.MDT,
			CatIdx:    key.CatIdx,
			RecIdx:    key.RecIdx,
			FID:       entry.FID,
			Action:    entry.Action,
			Status:    hsmstream.StatusPurged,
			ActionKey: actionKey,
			Timestamp: start.Unix(),
		})
	}
	return events
}

// ship appends all events through one pipeline and, only on success, applies
// the pending cache mutations and saves the cache atomically. Persistence
// order is append, swap, save: a crash in between re-emits events next cycle,
// which consumers must absorb (at-least-once).
func (s *Shipper) ship(ctx context.Context, events []hsmstream.Event, pending map[scancache.Key]*scancache.Entry) {
	rdb, err := s.conn.Get(ctx)
	if err != nil {
		s.log.Errorf("shipper: no redis connection: %v, cache not updated, will retry next cycle", err)
		return
	}
	if err := hsmstream.AppendEvents(ctx, rdb, s.cfg.RedisStreamPrefix, events); err != nil {
		s.conn.MarkDisconnected()
		s.log.Errorf("shipper: failed to ship events: %v, cache not updated, will retry next cycle", err)
		return
	}
	s.log.Infof("shipper: shipped %d events", len(events))

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	for key, entry := range pending {
		if entry == nil {
			delete(s.cache, key)
		} else {
			s.cache[key] = *entry
		}
	}
	if err := scancache.SaveAtomic(s.cache, s.cfg.CachePath); err != nil {
		s.log.Errorf("shipper: failed to save cache: %v", err)
	}
}

// readFileSafely reads path while checking for modification during the read.
// A changed mtime or size means the content may mix two kernel snapshots, so
// the MDT is flagged unstable and purge detection is skipped for it. A file
// that disappears (MDT failover) reads as empty and is also flagged.
func (s *Shipper) readFileSafely(path string) ([]byte, bool) {
	st1, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Errorf("shipper: stat %s: %v", path, err)
		}
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Errorf("shipper: read %s: %v", path, err)
		}
		return nil, false
	}
	st2, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if !st1.ModTime().Equal(st2.ModTime()) || st1.Size() != st2.Size() {
		s.log.Warnf("shipper: %s changed during read, purge detection skipped for its MDT this cycle", path)
		return data, false
	}
	return data, true
}

// SaveCache persists the current cache, used once more at shutdown.
func (s *Shipper) SaveCache() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if err := scancache.SaveAtomic(s.cache, s.cfg.CachePath); err != nil {
		s.log.Errorf("shipper: failed to save cache: %v", err)
	}
}

// Run executes poll cycles until ctx is cancelled, publishing a maintenance
// trigger whenever reconcile_interval has elapsed since the last one. A full
// handoff slot means the previous maintenance cycle still runs; the trigger
// is dropped with a warning rather than queued up.
func (s *Shipper) Run(ctx context.Context, triggers chan<- Trigger) error {
	s.log.Info("shipper: started")
	reconcile := s.cfg.ReconcileDuration()
	// Stagger the first maintenance run a minute after startup.
	lastMaintenance := time.Now().Add(time.Minute - reconcile)

	for {
		start := time.Now()
		snapshot, mdtNames := s.PollCycle(ctx)
		if ctx.Err() != nil {
			s.log.Info("shipper: shut down")
			return nil
		}

		if time.Since(lastMaintenance) > reconcile {
			select {
			case triggers <- Trigger{Snapshot: snapshot, MDTs: mdtNames}:
				s.log.Info("shipper: triggered background maintenance")
				lastMaintenance = time.Now()
			default:
				s.log.Warn("shipper: maintenance handoff slot full, skipping this trigger")
			}
		}

		elapsed := time.Since(start)
		wait := s.cfg.PollDuration() - elapsed
		if wait < 0 {
			wait = 0
		}
		s.log.Infof("shipper: poll cycle complete in %.2fs, next in %.1fs", elapsed.Seconds(), wait.Seconds())
		select {
		case <-ctx.Done():
			s.log.Info("shipper: shut down")
			return nil
		case <-time.After(wait):
		}
	}
}
