package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tessera/runtime/ingest"
)

func TestEnqueueAndRun(t *testing.T) {
	q := New(Options{Capacity: 4})

	id, err := q.Enqueue(context.Background(), &ingest.Task{Kind: "url_list", InfospaceID: 1})
	require.NoError(t, err)
	assert.Equal(t, "task-1", id)

	id, err = q.Enqueue(context.Background(), &ingest.Task{Kind: "rss", InfospaceID: 1})
	require.NoError(t, err)
	assert.Equal(t, "task-2", id)
	assert.Equal(t, 2, q.Len())

	q.Close()

	var kinds []string
	err = q.Run(context.Background(), func(_ context.Context, _ string, task *ingest.Task) error {
		kinds = append(kinds, task.Kind)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"url_list", "rss"}, kinds)
}

func TestEnqueueAtCapacityFails(t *testing.T) {
	q := New(Options{Capacity: 1})

	_, err := q.Enqueue(context.Background(), &ingest.Task{Kind: "url_list"})
	require.NoError(t, err)

	_, err = q.Enqueue(context.Background(), &ingest.Task{Kind: "url_list"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capacity")
}

func TestEnqueueNilTaskFails(t *testing.T) {
	q := New(Options{})
	_, err := q.Enqueue(context.Background(), nil)
	require.Error(t, err)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	q := New(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := q.Run(ctx, func(context.Context, string, *ingest.Task) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunKeepsGoingAfterHandlerError(t *testing.T) {
	q := New(Options{Capacity: 4})
	_, err := q.Enqueue(context.Background(), &ingest.Task{Kind: "bad"})
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), &ingest.Task{Kind: "good"})
	require.NoError(t, err)
	q.Close()

	var handled []string
	err = q.Run(context.Background(), func(_ context.Context, _ string, task *ingest.Task) error {
		handled = append(handled, task.Kind)
		if task.Kind == "bad" {
			return assert.AnError
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"bad", "good"}, handled)
}
