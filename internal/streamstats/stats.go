// Package streamstats folds replayed stream events into a point-in-time
// metrics snapshot of the live HSM action set.
package streamstats

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stanford-rc/lustre-hsm-action-stream/internal/consumer"
	"github.com/stanford-rc/lustre-hsm-action-stream/internal/hsmstream"
)

type compositeKey struct {
	mdt    string
	catIdx int
	recIdx int
}

type liveAction struct {
	id     string
	mdt    string
	action string
	status string
}

// Collector accumulates live state from a full stream replay.
type Collector struct {
	log             logrus.FieldLogger
	live            map[compositeKey]liveAction
	eventsProcessed int
	parseWarnings   int
}

func NewCollector(log logrus.FieldLogger) *Collector {
	return &Collector{log: log, live: map[compositeKey]liveAction{}}
}

// Apply folds one delivered message into the live set. Events without the
// required identity fields are counted as parse warnings and skipped;
// sentinels are ignored.
func (c *Collector) Apply(msg consumer.Message) {
	if msg.EndOfHistory {
		return
	}
	c.eventsProcessed++
	ev := msg.Data
	if ev.MDT == "" || !validEventType(ev.EventType) {
		c.parseWarnings++
		c.log.Warnf("stats: could not parse event %s in %s, skipping", msg.ID, msg.Stream)
		return
	}
	key := compositeKey{mdt: ev.MDT, catIdx: ev.CatIdx, recIdx: ev.RecIdx}
	switch ev.EventType {
	case hsmstream.EventNew, hsmstream.EventUpdate:
		c.live[key] = liveAction{id: msg.ID, mdt: ev.MDT, action: ev.Action, status: ev.Status}
	case hsmstream.EventPurged:
		delete(c.live, key)
	}
}

func validEventType(t string) bool {
	switch t {
	case hsmstream.EventNew, hsmstream.EventUpdate, hsmstream.EventPurged:
		return true
	}
	return false
}

// ParseWarnings reports how many delivered events were unusable.
func (c *Collector) ParseWarnings() int { return c.parseWarnings }

// Summary carries the gauges of the final JSON document.
type Summary struct {
	TotalLiveActions           int   `json:"total_live_actions"`
	OldestLiveActionAgeSeconds int64 `json:"oldest_live_action_age_seconds"`
	StreamTotalAgeSeconds      int64 `json:"stream_total_age_seconds"`
	NewestEntryAgeSeconds      int64 `json:"newest_entry_age_seconds"`
	EventsProcessedInRun       int   `json:"events_processed_in_run"`
}

// BreakdownRow is one (mdt, action, status) bucket of live actions, a shape
// that JSON metric collectors iterate over directly.
type BreakdownRow struct {
	MDT    string `json:"mdt"`
	Action string `json:"action"`
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// Report is the full stats document.
type Report struct {
	Summary   Summary        `json:"summary"`
	Breakdown []BreakdownRow `json:"breakdown"`
}

// StreamBounds are the oldest first-entry and newest last-generated
// timestamps across all streams, from XINFO.
type StreamBounds struct {
	FirstEntryTime time.Time
	LastEntryTime  time.Time
}

// Report builds the final document at time now.
func (c *Collector) Report(now time.Time, bounds StreamBounds) Report {
	var oldestAge int64
	oldestID := ""
	for _, a := range c.live {
		if oldestID == "" || hsmstream.CompareStreamIDs(a.id, oldestID) < 0 {
			oldestID = a.id
		}
	}
	if oldestID != "" {
		if ms, _ := hsmstream.ParseStreamID(oldestID); ms > 0 {
			oldestAge = now.Unix() - ms/1000
		}
	}

	var totalAge, newestAge int64
	if !bounds.FirstEntryTime.IsZero() && !bounds.LastEntryTime.IsZero() {
		totalAge = int64(bounds.LastEntryTime.Sub(bounds.FirstEntryTime).Seconds())
		newestAge = int64(now.Sub(bounds.LastEntryTime).Seconds())
	}

	counts := map[BreakdownRow]int{}
	for _, a := range c.live {
		row := BreakdownRow{MDT: orUnknown(a.mdt), Action: orUnknown(a.action), Status: orUnknown(a.status)}
		counts[row]++
	}
	breakdown := make([]BreakdownRow, 0, len(counts))
	for row, n := range counts {
		row.Count = n
		breakdown = append(breakdown, row)
	}
	sort.Slice(breakdown, func(i, j int) bool {
		a, b := breakdown[i], breakdown[j]
		if a.MDT != b.MDT {
			return a.MDT < b.MDT
		}
		if a.Action != b.Action {
			return a.Action < b.Action
		}
		return a.Status < b.Status
	})

	return Report{
		Summary: Summary{
			TotalLiveActions:           len(c.live),
			OldestLiveActionAgeSeconds: oldestAge,
			StreamTotalAgeSeconds:      totalAge,
			NewestEntryAgeSeconds:      newestAge,
			EventsProcessedInRun:       c.eventsProcessed,
		},
		Breakdown: breakdown,
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
