// Package hsmstream defines the wire format of the per-MDT action event
// streams and the Redis client plumbing shared by the shipper, the
// maintenance worker and every stream consumer.
package hsmstream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Event types. NEW and UPDATE make an action_key live on replay, PURGED
// removes it.
const (
	EventNew    = "NEW"
	EventUpdate = "UPDATE"
	EventPurged = "PURGED"
)

// StatusPurged is the status carried by PURGED events, which have no
// corresponding line in the source snapshot anymore.
const StatusPurged = "PURGED"

// SourceMaintenance marks corrective events injected by the maintenance
// worker rather than observed by the shipper.
const SourceMaintenance = "maintenance"

// Event is the self-describing payload stored in the stream entry's single
// "data" field.
type Event struct {
	EventType string `json:"event_type"`
	MDT       string `json:"mdt"`
	CatIdx    int    `json:"cat_idx"`
	RecIdx    int    `json:"rec_idx"`
	FID       string `json:"fid,omitempty"`
	Action    string `json:"action,omitempty"`
	Status    string `json:"status,omitempty"`
	ActionKey string `json:"action_key"`
	Timestamp int64  `json:"timestamp"`
	Raw       string `json:"raw,omitempty"`
	Source    string `json:"source,omitempty"`
}

// Live reports whether this event adds its action_key to the live set when
// a stream is replayed.
func (e Event) Live() bool {
	return e.EventType == EventNew || e.EventType == EventUpdate
}

// DecodeEntry extracts and decodes the event from raw stream entry values.
func DecodeEntry(values map[string]interface{}) (Event, error) {
	raw, ok := values["data"].(string)
	if !ok {
		return Event{}, fmt.Errorf("stream entry missing data field")
	}
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return Event{}, fmt.Errorf("decode stream entry: %w", err)
	}
	return ev, nil
}

// StreamName returns the stream key for an MDT: "{prefix}:{mdt}".
func StreamName(prefix, mdt string) string {
	return prefix + ":" + mdt
}

// ParseStreamID splits a Redis stream ID of the form "ms-seq" into its two
// integer halves. Malformed IDs parse as (0, 0).
func ParseStreamID(id string) (int64, int64) {
	msStr, seqStr, found := strings.Cut(id, "-")
	if !found {
		return 0, 0
	}
	ms, err := strconv.ParseInt(msStr, 10, 64)
	if err != nil {
		return 0, 0
	}
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return 0, 0
	}
	return ms, seq
}

// CompareStreamIDs orders two stream IDs by their (ms, seq) pairs.
func CompareStreamIDs(a, b string) int {
	ams, aseq := ParseStreamID(a)
	bms, bseq := ParseStreamID(b)
	switch {
	case ams != bms:
		if ams < bms {
			return -1
		}
		return 1
	case aseq != bseq:
		if aseq < bseq {
			return -1
		}
		return 1
	}
	return 0
}
