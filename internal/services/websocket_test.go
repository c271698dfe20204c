package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func receive(t *testing.T, ch <-chan []byte) ([]byte, bool) {
	t.Helper()
	select {
	case msg, ok := <-ch:
		return msg, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil, false
	}
}

func TestHubBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(zap.NewNop())
	go hub.Run(ctx)

	follower := &Client{ID: "c1", BuildID: "b1", Send: make(chan []byte, 8), Hub: hub}
	other := &Client{ID: "c2", BuildID: "b2", Send: make(chan []byte, 8), Hub: hub}
	hub.RegisterClient(follower)
	hub.RegisterClient(other)

	hub.Broadcast("b1", []byte(`{"build_id":"b1"}`))

	msg, ok := receive(t, follower.Send)
	require.True(t, ok)
	assert.JSONEq(t, `{"build_id":"b1"}`, string(msg))

	hub.Broadcast("b2", []byte(`{"build_id":"b2"}`))
	msg, ok = receive(t, other.Send)
	require.True(t, ok)
	assert.JSONEq(t, `{"build_id":"b2"}`, string(msg))
	assert.Len(t, follower.Send, 0)
}

func TestHubUnregisterClosesSend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(zap.NewNop())
	go hub.Run(ctx)

	client := &Client{ID: "c1", BuildID: "b1", Send: make(chan []byte, 1), Hub: hub}
	hub.RegisterClient(client)
	hub.UnregisterClient(client)

	_, ok := receive(t, client.Send)
	assert.False(t, ok)
}

func TestHubDropsSlowClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(zap.NewNop())
	go hub.Run(ctx)

	client := &Client{ID: "c1", BuildID: "b1", Send: make(chan []byte, 1), Hub: hub}
	hub.RegisterClient(client)

	hub.Broadcast("b1", []byte("1"))
	hub.Broadcast("b1", []byte("2"))

	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.clients["b1"]) == 0
	}, 2*time.Second, 10*time.Millisecond)

	msg, ok := receive(t, client.Send)
	require.True(t, ok)
	assert.Equal(t, "1", string(msg))

	_, ok = receive(t, client.Send)
	assert.False(t, ok)
}

func TestHubStopped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(zap.NewNop())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	// Registration after shutdown does not block
	hub.RegisterClient(&Client{ID: "c1", BuildID: "b1", Send: make(chan []byte, 1), Hub: hub})
}
