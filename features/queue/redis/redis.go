// Package redis provides an ingest.TaskQueue backed by a Redis list, for
// deployments where ingestion workers run in separate processes. Tasks are
// JSON envelopes pushed with LPUSH and consumed with BRPOP.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tessera/runtime/ingest"
	"tessera/runtime/telemetry"
)

// DefaultKey is the list key tasks are pushed to.
const DefaultKey = "tessera:ingest:tasks"

// popTimeout bounds each blocking pop so Run can observe context
// cancellation.
const popTimeout = time.Second

type (
	// Commands captures the two Redis commands the queue uses, satisfied by
	// *redis.Client.
	Commands interface {
		LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
		BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	}

	// Options configures the queue.
	Options struct {
		// Client is the Redis client. Required unless URL is set.
		Client Commands

		// URL is a redis:// connection string used when Client is nil.
		URL string

		// Key overrides the task list key.
		Key string

		Logger telemetry.Logger
	}

	// Queue is a Redis-list task queue.
	Queue struct {
		rdb Commands
		key string
		log telemetry.Logger
	}

	envelope struct {
		ID   string       `json:"id"`
		Task *ingest.Task `json:"task"`
	}
)

var _ ingest.TaskQueue = (*Queue)(nil)

// New builds a Redis-backed queue.
func New(opts Options) (*Queue, error) {
	rdb := opts.Client
	if rdb == nil {
		if opts.URL == "" {
			return nil, errors.New("redis queue: client or url is required")
		}
		redisOpts, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("redis queue: parse url: %w", err)
		}
		rdb = redis.NewClient(redisOpts)
	}
	key := opts.Key
	if key == "" {
		key = DefaultKey
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NopLogger{}
	}
	return &Queue{rdb: rdb, key: key, log: log}, nil
}

// Enqueue pushes a task and returns its id.
func (q *Queue) Enqueue(ctx context.Context, task *ingest.Task) (string, error) {
	if task == nil {
		return "", errors.New("redis queue: task is nil")
	}
	env := envelope{ID: uuid.NewString(), Task: task}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("redis queue: marshal task: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.key, data).Err(); err != nil {
		return "", fmt.Errorf("redis queue: push task: %w", err)
	}
	return env.ID, nil
}

// Dequeue blocks up to popTimeout for the next task. A timeout returns
// (nil, "", nil) so callers can poll in a loop.
func (q *Queue) Dequeue(ctx context.Context) (*ingest.Task, string, error) {
	values, err := q.rdb.BRPop(ctx, popTimeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("redis queue: pop task: %w", err)
	}
	// BRPOP returns [key, value].
	if len(values) != 2 {
		return nil, "", fmt.Errorf("redis queue: unexpected BRPOP reply of %d values", len(values))
	}
	var env envelope
	if err := json.Unmarshal([]byte(values[1]), &env); err != nil {
		return nil, "", fmt.Errorf("redis queue: decode task: %w", err)
	}
	if env.Task == nil {
		return nil, "", errors.New("redis queue: envelope has no task")
	}
	return env.Task, env.ID, nil
}

// Run consumes tasks until the context is canceled. Handler errors are
// logged; the loop keeps going.
func (q *Queue) Run(ctx context.Context, handle func(ctx context.Context, id string, task *ingest.Task) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		task, id, err := q.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Transient decode/connection problems should not kill the
			// worker loop.
			if strings.Contains(err.Error(), "decode task") || strings.Contains(err.Error(), "no task") {
				q.log.Warn(ctx, "dropping malformed task", "err", err)
				continue
			}
			return err
		}
		if task == nil {
			continue
		}
		if err := handle(ctx, id, task); err != nil {
			q.log.Error(ctx, "task failed", "task_id", id, "kind", task.Kind, "err", err)
		}
	}
}
