package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueueEnqueueReceive(t *testing.T) {
	q := NewMemoryQueue(2, 3, nil)
	ctx := context.Background()
	job := sampleJob()

	id, err := q.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())

	d := receiveWithin(t, q, time.Second)
	assert.Equal(t, id, d.ID)
	assert.Equal(t, 1, d.Attempt)
	assert.Equal(t, job.TaskID, d.Job.TaskID)
	assert.NoError(t, q.Ack(ctx, d))
}

func TestMemoryQueueFull(t *testing.T) {
	q := NewMemoryQueue(1, 1, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, sampleJob())
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, sampleJob())
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestMemoryQueueNackRequeuesThenDeadLetters(t *testing.T) {
	q := NewMemoryQueue(4, 2, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, sampleJob())
	require.NoError(t, err)

	first := receiveWithin(t, q, time.Second)
	require.NoError(t, q.Nack(ctx, first, errors.New("flaky")))

	second := receiveWithin(t, q, time.Second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Attempt)

	require.NoError(t, q.Nack(ctx, second, errors.New("flaky")))
	assert.Equal(t, 0, q.Len())
	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, first.ID, dead[0].ID)
}

func TestMemoryQueueClose(t *testing.T) {
	q := NewMemoryQueue(2, 1, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, sampleJob())
	require.NoError(t, err)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close(), "close must be idempotent")

	_, err = q.Enqueue(ctx, sampleJob())
	assert.ErrorIs(t, err, ErrQueueClosed)

	receiveWithin(t, q, time.Second)
	_, err = q.Receive(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestMemoryQueueReceiveHonorsContext(t *testing.T) {
	q := NewMemoryQueue(1, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
