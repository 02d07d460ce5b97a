// Package consumer is the SDK every stream tool is built on: it discovers
// the per-MDT streams under a prefix and delivers historical-then-live
// events with identical replay semantics for all of them.
package consumer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/stanford-rc/lustre-hsm-action-stream/internal/hsmstream"
)

const (
	readChunk         = 1000
	scanChunk         = 100
	rediscoverEvery   = 30 * time.Second
	liveBlockSlice    = 5 * time.Second
	readRetryMinDelay = time.Second
	readRetryMaxDelay = 30 * time.Second
)

// Message is one delivered stream event. EndOfHistory marks the sentinel
// emitted once every stream has returned an empty non-blocking read, so
// bootstrap consumers can tell replay completion from idle tailing; a
// sentinel carries no event data.
type Message struct {
	Stream       string
	ID           string
	Data         hsmstream.Event
	EndOfHistory bool
}

// Reader discovers and tails all streams matching "{prefix}:*".
type Reader struct {
	prefix string
	log    logrus.FieldLogger
	conn   *hsmstream.Connector

	mu      sync.Mutex
	cursors map[string]string
}

func New(opts hsmstream.Options, prefix string, log logrus.FieldLogger) *Reader {
	return &Reader{
		prefix:  prefix,
		log:     log,
		conn:    hsmstream.NewConnector(opts, log),
		cursors: map[string]string{},
	}
}

// Conn exposes the underlying connector for callers that need direct stream
// introspection (e.g. XINFO) next to event consumption.
func (r *Reader) Conn() *hsmstream.Connector { return r.conn }

// IsConnected reports the reader's last known connection state.
func (r *Reader) IsConnected() bool { return r.conn.IsConnected() }

// Close releases the underlying connection.
func (r *Reader) Close() { r.conn.Close() }

// DiscoverStreams scans the key namespace for stream names under the prefix.
func (r *Reader) DiscoverStreams(ctx context.Context) ([]string, error) {
	rdb, err := r.conn.Get(ctx)
	if err != nil {
		return nil, err
	}
	return r.discover(ctx, rdb)
}

func (r *Reader) discover(ctx context.Context, rdb *redis.Client) ([]string, error) {
	var streams []string
	var cursor uint64
	pattern := r.prefix + ":*"
	for {
		keys, next, err := rdb.Scan(ctx, cursor, pattern, scanChunk).Result()
		if err != nil {
			return nil, err
		}
		streams = append(streams, keys...)
		if cursor = next; cursor == 0 {
			break
		}
	}
	sort.Strings(streams)
	return streams, nil
}

// Events returns a channel delivering events from every discovered stream.
// Per-stream order is preserved; cross-stream order is unspecified.
//
// With fromBeginning, each stream is replayed from its start and a single
// EndOfHistory sentinel is delivered once a full non-blocking pass over all
// streams comes back empty. Afterwards the reader tails live entries. When
// blockMS > 0 each blocking read waits at most that long and a timed-out
// read also delivers a sentinel; blockMS == 0 waits indefinitely for new
// entries. Connection loss retries with capped backoff; cursors survive
// reconnects. Cancelling ctx closes the channel.
func (r *Reader) Events(ctx context.Context, fromBeginning bool, blockMS int) <-chan Message {
	out := make(chan Message)
	go func() {
		defer close(out)
		r.run(ctx, fromBeginning, blockMS, out)
	}()
	return out
}

func (r *Reader) run(ctx context.Context, fromBeginning bool, blockMS int, out chan<- Message) {
	initialCursor := "$"
	if fromBeginning {
		initialCursor = "0-0"
	}
	historyDone := !fromBeginning
	retryDelay := readRetryMinDelay
	var lastDiscover time.Time

	for ctx.Err() == nil {
		rdb, err := r.conn.Get(ctx)
		if err != nil {
			return
		}

		if time.Since(lastDiscover) >= rediscoverEvery || len(r.snapshotCursors()) == 0 {
			streams, err := r.discover(ctx, rdb)
			if err != nil {
				r.conn.MarkDisconnected()
				r.log.Warnf("consumer: stream discovery failed: %v", err)
				if !r.sleep(ctx, retryDelay) {
					return
				}
				retryDelay = nextDelay(retryDelay)
				continue
			}
			lastDiscover = time.Now()
			r.mu.Lock()
			for _, s := range streams {
				if _, ok := r.cursors[s]; !ok {
					r.cursors[s] = initialCursor
				}
			}
			r.mu.Unlock()
		}

		cursors := r.snapshotCursors()
		if len(cursors) == 0 {
			if !historyDone {
				historyDone = true
				if !r.deliver(ctx, out, Message{EndOfHistory: true}) {
					return
				}
			}
			if !r.sleep(ctx, time.Second) {
				return
			}
			continue
		}

		names := make([]string, 0, len(cursors))
		for name := range cursors {
			names = append(names, name)
		}
		sort.Strings(names)
		args := make([]string, 0, len(names)*2)
		args = append(args, names...)
		for _, name := range names {
			args = append(args, cursors[name])
		}

		var block time.Duration
		switch {
		case !historyDone:
			block = -1 // drain history without blocking
		case blockMS > 0:
			block = time.Duration(blockMS) * time.Millisecond
		default:
			// An indefinite wait, sliced so shutdown is observed promptly.
			block = liveBlockSlice
		}

		res, err := rdb.XRead(ctx, &redis.XReadArgs{
			Streams: args,
			Count:   readChunk,
			Block:   block,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return
			}
			r.conn.MarkDisconnected()
			r.log.Warnf("consumer: stream read failed: %v", err)
			if !r.sleep(ctx, retryDelay) {
				return
			}
			retryDelay = nextDelay(retryDelay)
			continue
		}
		retryDelay = readRetryMinDelay

		delivered := 0
		for _, stream := range res {
			for _, msg := range stream.Messages {
				r.mu.Lock()
				r.cursors[stream.Stream] = msg.ID
				r.mu.Unlock()

				ev, err := hsmstream.DecodeEntry(msg.Values)
				if err != nil {
					r.log.Warnf("consumer: skipping malformed entry %s in %s: %v", msg.ID, stream.Stream, err)
					continue
				}
				delivered++
				if !r.deliver(ctx, out, Message{Stream: stream.Stream, ID: msg.ID, Data: ev}) {
					return
				}
			}
		}

		if len(res) == 0 || delivered == 0 && errors.Is(err, redis.Nil) {
			switch {
			case !historyDone:
				// Every stream returned an empty non-blocking read: the
				// historical replay is complete.
				historyDone = true
				if !r.deliver(ctx, out, Message{EndOfHistory: true}) {
					return
				}
			case blockMS > 0:
				if !r.deliver(ctx, out, Message{EndOfHistory: true}) {
					return
				}
			}
		}
	}
}

func (r *Reader) snapshotCursors() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.cursors))
	for k, v := range r.cursors {
		out[k] = v
	}
	return out
}

func (r *Reader) deliver(ctx context.Context, out chan<- Message, msg Message) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- msg:
		return true
	}
}

func (r *Reader) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextDelay(d time.Duration) time.Duration {
	if d *= 2; d > readRetryMaxDelay {
		d = readRetryMaxDelay
	}
	return d
}
