package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/korrel/mirrorfs/pkg/mirror/logging"
	"github.com/korrel/mirrorfs/pkg/mirror/types"
)

func TestTCPTransport_SendAndReceive(t *testing.T) {
	a, err := NewTCPTransport(types.Address{IP: "127.0.0.1", Port: 0}, logging.NopLogger{})
	require.NoError(t, err)
	defer a.Close()

	b, err := NewTCPTransport(types.Address{IP: "127.0.0.1", Port: 0}, logging.NopLogger{})
	require.NoError(t, err)
	defer b.Close()

	msg := types.NewMessage(types.TopicClient, types.CommandKnock, nil)
	require.NoError(t, a.Send(b.LocalAddress(), msg))

	select {
	case got := <-b.Inbound():
		assert.Equal(t, types.TopicClient, got.Topic)
		assert.Equal(t, types.CommandKnock, got.Command)
		origin, ok := got.Origin()
		require.True(t, ok)
		assert.Equal(t, a.LocalAddress(), origin)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestTCPTransport_SendToUnreachablePeerIsRefused(t *testing.T) {
	a, err := NewTCPTransport(types.Address{IP: "127.0.0.1", Port: 0}, logging.NopLogger{})
	require.NoError(t, err)
	defer a.Close()

	unreachable := types.Address{IP: "127.0.0.1", Port: 1}
	err = a.Send(unreachable, types.NewMessage(types.TopicClient, types.CommandKnock, nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectionRefused))
}
