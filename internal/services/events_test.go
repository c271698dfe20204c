package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"stackyn/builder/internal/domain"
)

type published struct {
	channel string
	payload []byte
}

type fakeRedis struct {
	messages []published
	err      error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.messages = append(f.messages, published{channel: channel, payload: message.([]byte)})
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	return redis.NewIntResult(1, nil)
}

func TestEventChannel(t *testing.T) {
	channel := EventChannel("b1")
	assert.Equal(t, "builds:b1:events", channel)

	id, ok := buildIDFromChannel(channel)
	assert.True(t, ok)
	assert.Equal(t, "b1", id)

	for _, bad := range []string{"builds::events", "jobs:b1:events", "builds:b1"} {
		_, ok := buildIDFromChannel(bad)
		assert.False(t, ok, bad)
	}
}

func TestBuildEventSink(t *testing.T) {
	rdb := &fakeRedis{}
	p := NewEventPublisher(rdb, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	sink := p.ForBuild(ctx, "b1")
	sink.OnEvent(domain.Event{Kind: domain.EventCommitDiscovered, CommitID: "abc123"})

	// Publishing outlives the request context
	cancel()
	sink.OnEvent(domain.Event{Kind: domain.EventBuildFailed, ErrorCode: "PUSH_FAILED", Err: errors.New("denied"), Error: "denied"})

	require.Len(t, rdb.messages, 2)
	assert.Equal(t, "builds:b1:events", rdb.messages[0].channel)

	var msg EventMessage
	require.NoError(t, json.Unmarshal(rdb.messages[0].payload, &msg))
	assert.Equal(t, "b1", msg.BuildID)
	assert.Equal(t, domain.EventCommitDiscovered, msg.Event.Kind)
	assert.Equal(t, "abc123", msg.Event.CommitID)

	require.NoError(t, json.Unmarshal(rdb.messages[1].payload, &msg))
	assert.Equal(t, "PUSH_FAILED", msg.Event.ErrorCode)
	assert.Equal(t, "denied", msg.Event.Error)
	assert.Nil(t, msg.Event.Err)
}

func TestBuildEventSinkPublishFailure(t *testing.T) {
	rdb := &fakeRedis{err: errors.New("connection refused")}
	sink := NewEventPublisher(rdb, zap.NewNop()).ForBuild(context.Background(), "b1")

	assert.NotPanics(t, func() {
		sink.OnEvent(domain.Event{Kind: domain.EventStepStarted, Line: "Step 1/6"})
	})
	assert.Len(t, rdb.messages, 1)
}
