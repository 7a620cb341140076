package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/korrel/mirrorfs/pkg/mirror/credentials"
	"github.com/korrel/mirrorfs/pkg/mirror/logging"
	"github.com/korrel/mirrorfs/pkg/mirror/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	s, err := New(types.Address{IP: "127.0.0.1", Port: 0}, dir, credentials.NewDefault(), logging.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMirroredTree_RejectsPathEscape(t *testing.T) {
	tree, err := NewMirroredTree(t.TempDir())
	require.NoError(t, err)

	_, err = tree.localPath("../../etc/passwd")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPathEscape)
}

func TestMirroredTree_AllowsNestedPath(t *testing.T) {
	tree, err := NewMirroredTree(t.TempDir())
	require.NoError(t, err)

	real, err := tree.localPath("a/b/c")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(real))
	assert.Contains(t, real, tree.Root())
}

func TestMirroredTree_WatchedIsIdempotent(t *testing.T) {
	tree, err := NewMirroredTree(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, tree.Watched("nested/dir"))
	require.NoError(t, tree.Watched("nested/dir"))

	info, err := os.Stat(filepath.Join(tree.Root(), "nested", "dir"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestMirroredTree_CreatedThenDeletedRoundTrip(t *testing.T) {
	tree, err := NewMirroredTree(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, tree.Created("note.txt", false))
	_, err = os.Stat(filepath.Join(tree.Root(), "note.txt"))
	require.NoError(t, err)

	require.NoError(t, tree.Deleted("note.txt", false))
	_, err = os.Stat(filepath.Join(tree.Root(), "note.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestMirroredTree_ModifiedWritesContent(t *testing.T) {
	tree, err := NewMirroredTree(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, tree.Created("data.bin", false))
	require.NoError(t, tree.Modified("data.bin", false, []byte("hello")))

	got, err := os.ReadFile(filepath.Join(tree.Root(), "data.bin"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestMirroredTree_ModifiedNilContentIsNoop(t *testing.T) {
	tree, err := NewMirroredTree(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, tree.Created("data.bin", false))
	require.NoError(t, tree.Modified("data.bin", false, nil))

	got, err := os.ReadFile(filepath.Join(tree.Root(), "data.bin"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestServer_StartsRunningAsFirstMember(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, Running, s.State())
	assert.Equal(t, []types.Address{s.LocalAddress()}, s.servers)
}

func TestServer_EnforceAuthorizationDeniesUnknownClient(t *testing.T) {
	s := newTestServer(t)

	msg := types.NewMessage(types.TopicFile, types.CommandWatched, types.WatchedParams{SrcPath: "a"}.Encode())
	msg.AddMeta("sendreceive", map[string]any{"origin": types.EncodeAddress(types.Address{IP: "10.0.0.9", Port: 1})})

	allowed := s.enforceAuthorization(msg, credentials.Authorized)
	assert.False(t, allowed)
}

func TestServer_EnforceAuthorizationAllowsAuthorizedClient(t *testing.T) {
	s := newTestServer(t)
	client := types.Address{IP: "10.0.0.9", Port: 1}
	s.mu.Lock()
	s.clients[client] = credentials.Authorized
	s.mu.Unlock()

	msg := types.NewMessage(types.TopicFile, types.CommandWatched, types.WatchedParams{SrcPath: "a"}.Encode())
	msg.AddMeta("sendreceive", map[string]any{"origin": types.EncodeAddress(client)})

	assert.True(t, s.enforceAuthorization(msg, credentials.Authorized))
}

func TestServer_EnforceAuthorizationDeniesAnonymousForAuthorizedOp(t *testing.T) {
	s := newTestServer(t)
	client := types.Address{IP: "10.0.0.9", Port: 1}
	s.mu.Lock()
	s.clients[client] = credentials.Anonymous
	s.mu.Unlock()

	msg := types.NewMessage(types.TopicFile, types.CommandWatched, nil)
	msg.AddMeta("sendreceive", map[string]any{"origin": types.EncodeAddress(client)})

	assert.False(t, s.enforceAuthorization(msg, credentials.Authorized))
}

func TestServer_HandleAuthGrantsAuthorizedAccess(t *testing.T) {
	s := newTestServer(t)
	client := types.Address{IP: "10.0.0.5", Port: 2000}

	msg := types.NewMessage(types.TopicClient, types.CommandAuth, types.AuthParams{Username: "sar", Password: "sar"}.Encode())
	msg.AddMeta("sendreceive", map[string]any{"origin": types.EncodeAddress(client)})
	msg.AddMeta("ack_manager", map[string]any{"message_id": int64(0)})

	s.handleAuth(msg)

	s.mu.Lock()
	access := s.clients[client]
	s.mu.Unlock()
	assert.Equal(t, credentials.Authorized, access)
}

func TestServer_JoinHandshakeEndToEnd(t *testing.T) {
	leader := newTestServer(t)
	joiner, err := NewJoining(types.Address{IP: "127.0.0.1", Port: 0}, t.TempDir(), credentials.NewDefault(), logging.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = joiner.Close() })

	require.NoError(t, joiner.Connect(leader.LocalAddress()))
	assert.Equal(t, Connecting, joiner.State())

	require.Eventually(t, func() bool {
		return joiner.State() == Running
	}, 2*time.Second, 10*time.Millisecond)

	joiner.mu.Lock()
	defer joiner.mu.Unlock()
	assert.Contains(t, joiner.servers, leader.LocalAddress())
}
