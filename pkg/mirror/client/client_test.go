package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/korrel/mirrorfs/pkg/mirror/logging"
	"github.com/korrel/mirrorfs/pkg/mirror/server"
	"github.com/korrel/mirrorfs/pkg/mirror/types"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(types.Address{IP: "127.0.0.1", Port: 0}, logging.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_StartsInStartedState(t *testing.T) {
	c := newTestClient(t)
	assert.Equal(t, Started, c.State())
}

func TestClient_HandleSetServersRecordsList(t *testing.T) {
	c := newTestClient(t)
	c.mu.Lock()
	c.state = Connecting
	c.mu.Unlock()

	servers := []types.Address{{IP: "1.2.3.4", Port: 100}, {IP: "5.6.7.8", Port: 200}}
	msg := types.NewMessage(types.TopicClient, types.CommandSetServers, types.SetServersParams{Servers: servers}.Encode())
	c.handleSetServers(msg)

	assert.Equal(t, servers, c.Servers())
}

func TestClient_HandleAuthSuccessTransitionsToRunning(t *testing.T) {
	c := newTestClient(t)
	c.mu.Lock()
	c.state = Authenticating
	c.mu.Unlock()

	msg := types.NewMessage(types.TopicClient, types.CommandAuthSuccess, types.AuthSuccessParams{Success: true}.Encode())
	c.handleAuthSuccess(msg)

	assert.Equal(t, Running, c.State())
	require.NoError(t, c.WaitAuth())
}

func TestClient_HandleAuthSuccessFalseIsRejected(t *testing.T) {
	c := newTestClient(t)
	c.mu.Lock()
	c.state = Authenticating
	c.mu.Unlock()

	msg := types.NewMessage(types.TopicClient, types.CommandAuthSuccess, types.AuthSuccessParams{Success: false}.Encode())
	c.handleAuthSuccess(msg)

	err := c.WaitAuth()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthRejected)
}

func TestClient_HandleAddServerAppends(t *testing.T) {
	c := newTestClient(t)
	c.mu.Lock()
	c.servers = []types.Address{{IP: "1.1.1.1", Port: 1}}
	c.mu.Unlock()

	msg := types.NewMessage(types.TopicClient, types.CommandAddServer, types.AddServerParams{Server: types.Address{IP: "2.2.2.2", Port: 2}}.Encode())
	c.handleAddServer(msg)

	assert.Equal(t, []types.Address{{IP: "1.1.1.1", Port: 1}, {IP: "2.2.2.2", Port: 2}}, c.Servers())
}

func TestClient_EnqueueDrainsOneInFlightOnly(t *testing.T) {
	c := newTestClient(t)
	c.mu.Lock()
	c.state = Running
	c.servers = []types.Address{{IP: "127.0.0.1", Port: 1}} // refused immediately, still leaves an ack pending
	c.mu.Unlock()

	c.Enqueue(types.NewMessage(types.TopicFile, types.CommandWatched, types.WatchedParams{SrcPath: "a"}.Encode()))
	c.Enqueue(types.NewMessage(types.TopicFile, types.CommandWatched, types.WatchedParams{SrcPath: "b"}.Encode()))

	c.drainIfIdle()
	assert.Len(t, c.queue, 1, "second item must stay queued while the first is in flight")

	c.drainIfIdle()
	assert.Len(t, c.queue, 1, "no second send while an ack is outstanding")
}

func TestClient_FullHandshakeEndToEnd(t *testing.T) {
	dir := t.TempDir()
	srv, err := server.New(types.Address{IP: "127.0.0.1", Port: 0}, dir, nil, logging.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	c := newTestClient(t)

	require.NoError(t, c.Connect(srv.LocalAddress()))
	require.Eventually(t, func() bool {
		return len(c.Servers()) > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Auth("sar", "sar"))
	require.NoError(t, c.WaitAuth())
	assert.Equal(t, Running, c.State())
}
