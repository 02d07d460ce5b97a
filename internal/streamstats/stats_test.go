package streamstats

import (
	"context"
	"encoding/json"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanford-rc/lustre-hsm-action-stream/internal/consumer"
	"github.com/stanford-rc/lustre-hsm-action-stream/internal/hsmstream"
)

func setup(t *testing.T) (*redis.Client, *consumer.Reader, *Collector) {
	t.Helper()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	log := logrus.New()
	log.SetOutput(io.Discard)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reader := consumer.New(hsmstream.Options{Host: mr.Host(), Port: port}, "p", log)
	t.Cleanup(reader.Close)
	return rdb, reader, NewCollector(log)
}

func add(t *testing.T, rdb *redis.Client, ev hsmstream.Event) {
	t.Helper()
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	_, err = rdb.XAdd(context.Background(), &redis.XAddArgs{
		Stream: "p:" + ev.MDT,
		Values: map[string]interface{}{"data": string(payload)},
	}).Result()
	require.NoError(t, err)
}

func event(eventType, mdt string, cat, rec int, action, status string) hsmstream.Event {
	return hsmstream.Event{
		EventType: eventType,
		MDT:       mdt,
		CatIdx:    cat,
		RecIdx:    rec,
		FID:       "0xa",
		Action:    action,
		Status:    status,
		ActionKey: "0xa:" + action,
		Timestamp: 1700000000,
	}
}

func replay(t *testing.T, reader *consumer.Reader, c *Collector) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for msg := range reader.Events(ctx, true, 200) {
		if msg.EndOfHistory {
			return
		}
		c.Apply(msg)
	}
	t.Fatal("replay ended without an end-of-history sentinel")
}

func TestReportAcrossMDTs(t *testing.T) {
	rdb, reader, c := setup(t)
	add(t, rdb, event(hsmstream.EventNew, "m0", 1, 1, "ARCHIVE", "STARTED"))
	add(t, rdb, event(hsmstream.EventNew, "m1", 1, 1, "RESTORE", "WAITING"))
	add(t, rdb, event(hsmstream.EventNew, "m1", 1, 2, "ARCHIVE", "STARTED"))

	replay(t, reader, c)
	report := c.Report(time.Now(), StreamBounds{})

	assert.Equal(t, 3, report.Summary.TotalLiveActions)
	assert.Equal(t, 3, report.Summary.EventsProcessedInRun)
	assert.Equal(t, []BreakdownRow{
		{MDT: "m0", Action: "ARCHIVE", Status: "STARTED", Count: 1},
		{MDT: "m1", Action: "ARCHIVE", Status: "STARTED", Count: 1},
		{MDT: "m1", Action: "RESTORE", Status: "WAITING", Count: 1},
	}, report.Breakdown)
}

func TestReportSurvivesBadData(t *testing.T) {
	rdb, reader, c := setup(t)

	// One non-JSON blob (dropped by the reader) and one JSON blob missing
	// the required fields (counted as a parse warning here).
	_, err := rdb.XAdd(context.Background(), &redis.XAddArgs{
		Stream: "p:m0", Values: map[string]interface{}{"data": "{{{ definitely not json"},
	}).Result()
	require.NoError(t, err)
	_, err = rdb.XAdd(context.Background(), &redis.XAddArgs{
		Stream: "p:m0", Values: map[string]interface{}{"data": `{"some_field": 42}`},
	}).Result()
	require.NoError(t, err)
	add(t, rdb, event(hsmstream.EventNew, "m0", 1, 1, "ARCHIVE", "STARTED"))
	add(t, rdb, event(hsmstream.EventNew, "m0", 1, 2, "RESTORE", "WAITING"))

	replay(t, reader, c)
	report := c.Report(time.Now(), StreamBounds{})

	assert.Equal(t, 2, report.Summary.TotalLiveActions)
	assert.Equal(t, 1, c.ParseWarnings())
}

func TestUpdateAndPurgeFolding(t *testing.T) {
	rdb, reader, c := setup(t)
	add(t, rdb, event(hsmstream.EventNew, "m0", 1, 1, "ARCHIVE", "STARTED"))
	add(t, rdb, event(hsmstream.EventUpdate, "m0", 1, 1, "ARCHIVE", "SUCCEED"))
	add(t, rdb, event(hsmstream.EventPurged, "m0", 1, 1, "ARCHIVE", "PURGED"))
	add(t, rdb, event(hsmstream.EventNew, "m0", 1, 2, "RESTORE", "WAITING"))

	replay(t, reader, c)
	report := c.Report(time.Now(), StreamBounds{})

	assert.Equal(t, 1, report.Summary.TotalLiveActions)
	assert.Equal(t, 4, report.Summary.EventsProcessedInRun)
	require.Len(t, report.Breakdown, 1)
	assert.Equal(t, "RESTORE", report.Breakdown[0].Action)
}

func TestReportStreamBounds(t *testing.T) {
	_, _, c := setup(t)
	now := time.Unix(1700000100, 0)
	bounds := StreamBounds{
		FirstEntryTime: time.Unix(1700000000, 0),
		LastEntryTime:  time.Unix(1700000050, 0),
	}
	report := c.Report(now, bounds)
	assert.Equal(t, int64(50), report.Summary.StreamTotalAgeSeconds)
	assert.Equal(t, int64(50), report.Summary.NewestEntryAgeSeconds)
}
