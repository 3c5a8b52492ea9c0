package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tessera/runtime/ingest"
)

// stubCommands records pushed values and feeds scripted BRPOP replies.
type stubCommands struct {
	pushedKey    string
	pushedValues [][]byte

	popReplies [][]string
	popErrs    []error
	popIdx     int
}

func (s *stubCommands) LPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	s.pushedKey = key
	for _, v := range values {
		s.pushedValues = append(s.pushedValues, v.([]byte))
	}
	cmd := redis.NewIntCmd(context.Background())
	cmd.SetVal(int64(len(s.pushedValues)))
	return cmd
}

func (s *stubCommands) BRPop(_ context.Context, _ time.Duration, _ ...string) *redis.StringSliceCmd {
	cmd := redis.NewStringSliceCmd(context.Background())
	if s.popIdx >= len(s.popReplies) {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	if err := s.popErrs[s.popIdx]; err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(s.popReplies[s.popIdx])
	}
	s.popIdx++
	return cmd
}

func TestEnqueuePushesEnvelope(t *testing.T) {
	stub := &stubCommands{}
	q, err := New(Options{Client: stub, Key: "test:tasks"})
	require.NoError(t, err)

	id, err := q.Enqueue(context.Background(), &ingest.Task{
		Kind:        "url_list",
		InfospaceID: 7,
		URLs:        []string{"https://example.com/a"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, "test:tasks", stub.pushedKey)
	require.Len(t, stub.pushedValues, 1)

	var env map[string]any
	require.NoError(t, json.Unmarshal(stub.pushedValues[0], &env))
	assert.Equal(t, id, env["id"])
	task := env["task"].(map[string]any)
	assert.Equal(t, "url_list", task["kind"])
	assert.Equal(t, float64(7), task["infospace_id"])
}

func TestDequeueRoundTrip(t *testing.T) {
	data, err := json.Marshal(envelope{ID: "abc", Task: &ingest.Task{Kind: "rss", InfospaceID: 3}})
	require.NoError(t, err)
	stub := &stubCommands{
		popReplies: [][]string{{DefaultKey, string(data)}},
		popErrs:    []error{nil},
	}
	q, err := New(Options{Client: stub})
	require.NoError(t, err)

	task, id, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "abc", id)
	assert.Equal(t, "rss", task.Kind)
	assert.Equal(t, int64(3), task.InfospaceID)
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	q, err := New(Options{Client: &stubCommands{}})
	require.NoError(t, err)

	task, id, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.Empty(t, id)
}

func TestEnqueueNilTaskFails(t *testing.T) {
	q, err := New(Options{Client: &stubCommands{}})
	require.NoError(t, err)

	_, err = q.Enqueue(context.Background(), nil)
	require.Error(t, err)
}

func TestNewRequiresClientOrURL(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	_, err = New(Options{URL: "redis://localhost:6379/0"})
	require.NoError(t, err)
}
