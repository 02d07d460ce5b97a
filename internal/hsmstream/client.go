package hsmstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	dialTimeout = 5 * time.Second
	ioTimeout   = 5 * time.Second

	reconnectMinDelay = time.Second
	reconnectMaxDelay = 30 * time.Second
)

// Options configures a Connector. Password is usually empty; deployments
// that need one supply it via the REDIS_PASSWORD environment variable.
type Options struct {
	Host     string
	Port     int
	DB       int
	Password string
}

func (o Options) addr() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

// Connector wraps a go-redis client with automatic reconnection. Each worker
// owns one connector; reconnection is serialized behind its lock so a flapping
// server never spawns competing dials from the same worker.
type Connector struct {
	opts Options
	log  logrus.FieldLogger

	mu        sync.Mutex
	client    *redis.Client
	connected atomic.Bool
}

func NewConnector(opts Options, log logrus.FieldLogger) *Connector {
	return &Connector{opts: opts, log: log}
}

// Get returns a live client, dialing and retrying with capped exponential
// backoff until it succeeds or ctx is cancelled.
func (c *Connector) Get(ctx context.Context) (*redis.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		if err := c.client.Ping(ctx).Err(); err == nil {
			return c.client, nil
		}
		c.log.Warn("redis: connection lost, reconnecting")
		_ = c.client.Close()
		c.client = nil
		c.connected.Store(false)
	}

	delay := reconnectMinDelay
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.log.Infof("redis: connecting to %s db=%d", c.opts.addr(), c.opts.DB)
		client := redis.NewClient(&redis.Options{
			Addr:         c.opts.addr(),
			DB:           c.opts.DB,
			Password:     c.opts.Password,
			DialTimeout:  dialTimeout,
			ReadTimeout:  ioTimeout,
			WriteTimeout: ioTimeout,
		})
		if err := client.Ping(ctx).Err(); err == nil {
			c.log.Info("redis: connected")
			c.client = client
			c.connected.Store(true)
			return client, nil
		} else {
			_ = client.Close()
			c.log.Errorf("redis: connect failed: %v, retrying in %s", err, delay)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

// IsConnected reports the last known connection state without dialing.
func (c *Connector) IsConnected() bool {
	return c.connected.Load()
}

// MarkDisconnected records a failed operation observed by the caller so
// IsConnected turns false before the next Get re-dials.
func (c *Connector) MarkDisconnected() {
	c.connected.Store(false)
}

func (c *Connector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}
	c.connected.Store(false)
}

// AppendEvents ships events in order through a single pipeline, one XADD per
// event to "{prefix}:{mdt}". Entry IDs are assigned by Redis; the payload is
// the JSON event under the single "data" field.
func AppendEvents(ctx context.Context, rdb *redis.Client, prefix string, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	pipe := rdb.Pipeline()
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", ev.ActionKey, err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: StreamName(prefix, ev.MDT),
			Values: map[string]interface{}{"data": string(payload)},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("xadd pipeline: %w", err)
	}
	return nil
}
