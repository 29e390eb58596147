// Package statusmirror writes a non-authoritative snapshot of the
// watchdog's registry to Redis after every poll iteration, so an
// external dashboard can read live status across a fleet without
// touching the supervisor itself. Grounded on the teacher's
// pkg/hades/redis_registry.go for the go-redis client pattern and
// key-per-entity naming.
//
// This package is write-only from the supervisor's point of view:
// nothing in the watchdog core ever reads back from Redis to make a
// sanity or respawn decision. A Redis outage degrades Mirror calls to
// a logged warning, never a supervisor failure.
package statusmirror

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/osquery-go/watchdog/pkg/hermes"
)

// Snapshot is the JSON shape written per poll iteration.
type Snapshot struct {
	Hostname           string    `json:"hostname"`
	WorkerRunning      bool      `json:"worker_running"`
	WorkerRestartCount uint32    `json:"worker_restart_count"`
	Extensions         []string  `json:"extensions"`
	Timestamp          time.Time `json:"timestamp"`
}

// Mirror writes Snapshots to a Redis key per hostname with a short
// TTL — entries simply expire if the watchdog stops reporting,
// rather than needing an explicit deregistration step.
type Mirror struct {
	client *redis.Client
	ttl    time.Duration
	logger hermes.Logger
}

// New connects to addr (host:port). db and password follow go-redis'
// own Options fields directly; password may be empty.
func New(addr string, db int, password string, ttl time.Duration, logger hermes.Logger) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("statusmirror: connecting to redis: %w", err)
	}

	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Mirror{client: client, ttl: ttl, logger: logger}, nil
}

// Write publishes snap, best-effort: a failure is logged and
// swallowed, never propagated to the supervisor's poll loop.
func (m *Mirror) Write(ctx context.Context, snap Snapshot) {
	body, err := json.Marshal(snap)
	if err != nil {
		m.logger.Warn(ctx, "statusmirror: marshaling snapshot failed", map[string]any{"error": err.Error()})
		return
	}

	key := "watchdog:status:" + snap.Hostname
	if err := m.client.Set(ctx, key, body, m.ttl).Err(); err != nil {
		m.logger.Warn(ctx, "statusmirror: writing to redis failed", map[string]any{"error": err.Error()})
	}
}

// Close releases the underlying Redis connection.
func (m *Mirror) Close() error {
	return m.client.Close()
}

// Reader is the read side used by cmd/watchdogctl, a separate
// process from the supervisor: reading here never feeds back into a
// sanity or respawn decision, so it does not compromise the "no
// persisted state" invariant the supervisor itself honors.
type Reader struct {
	client *redis.Client
}

// NewReader connects a read-only view over the same Redis keyspace.
func NewReader(addr string, db int, password string) (*Reader, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("statusmirror: connecting to redis: %w", err)
	}
	return &Reader{client: client}, nil
}

// List returns every currently-live watchdog snapshot, scanning the
// watchdog:status:* keyspace the way hades.RedisRegistry scans its
// own tartarus:node:* keys.
func (r *Reader) List(ctx context.Context) ([]Snapshot, error) {
	var snapshots []Snapshot
	iter := r.client.Scan(ctx, 0, "watchdog:status:*", 0).Iterator()
	for iter.Next(ctx) {
		val, err := r.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("statusmirror: reading %s: %w", iter.Val(), err)
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(val), &snap); err != nil {
			continue
		}
		snapshots = append(snapshots, snap)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("statusmirror: scanning keyspace: %w", err)
	}
	return snapshots, nil
}

// Close releases the underlying Redis connection.
func (r *Reader) Close() error {
	return r.client.Close()
}
