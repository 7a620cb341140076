package mirrortest

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/korrel/mirrorfs/pkg/mirror/ack"
	"github.com/korrel/mirrorfs/pkg/mirror/client"
	"github.com/korrel/mirrorfs/pkg/mirror/types"
)

// TestHappyPath covers spec scenario 1: a single server, one
// authenticated client watching a directory, creating a file and
// writing content to it, all landing correctly on disk.
func TestHappyPath(t *testing.T) {
	// Registered first so it runs last, after the harness's own cleanups
	// have shut down every node and Drive loop.
	t.Cleanup(func() { goleak.VerifyNone(t, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait")) })

	srv := NewServer(t)
	stopSrv := Drive(srv)
	defer stopSrv()

	c := NewClient(t)
	ConnectAndAuth(t, c, srv.LocalAddress(), "sar", "sar")

	c.Enqueue(types.NewMessage(types.TopicFile, types.CommandWatched, types.WatchedParams{SrcPath: "docs"}.Encode()))
	WaitForCondition(t, func() bool {
		_, err := os.Stat(filepath.Join(srv.StorageRoot(), "docs"))
		return err == nil
	}, 2*time.Second)

	c.Enqueue(types.NewMessage(types.TopicFile, types.CommandCreated, types.CreatedParams{SrcPath: "docs/a.txt", IsDirectory: false}.Encode()))
	WaitForCondition(t, func() bool {
		_, err := os.Stat(filepath.Join(srv.StorageRoot(), "docs", "a.txt"))
		return err == nil
	}, 2*time.Second)

	c.Enqueue(types.NewMessage(types.TopicFile, types.CommandModified, types.ModifiedParams{SrcPath: "docs/a.txt", IsDirectory: false, NewContent: []byte("hello")}.Encode()))
	WaitForCondition(t, func() bool {
		got, err := os.ReadFile(filepath.Join(srv.StorageRoot(), "docs", "a.txt"))
		return err == nil && string(got) == "hello"
	}, 2*time.Second)
}

// TestPathEscapeAttack covers spec scenario 2: a CREATED naming a path
// that resolves outside the storage root must be rejected without
// touching disk.
func TestPathEscapeAttack(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait")) })

	srv := NewServer(t)
	stopSrv := Drive(srv)
	defer stopSrv()

	c := NewClient(t)
	ConnectAndAuth(t, c, srv.LocalAddress(), "sar", "sar")

	c.Enqueue(types.NewMessage(types.TopicFile, types.CommandCreated, types.CreatedParams{SrcPath: "../../etc/passwd", IsDirectory: false}.Encode()))

	// The server must reply CLIENT/ERROR rather than letting the request
	// stall for the ack-manager timeout: the pending ack clears quickly,
	// well before the 10s default timeout, and the session continues.
	WaitForCondition(t, func() bool {
		return !c.AckManager().IsAwaitingAck()
	}, 2*time.Second)

	_, err := os.Stat(filepath.Join(filepath.Dir(srv.StorageRoot()), "etc", "passwd"))
	assert.True(t, os.IsNotExist(err))
}

// TestJoin covers spec scenario 3: a second server joins a running
// group and both end up holding the same server set.
func TestJoin(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait")) })

	s1 := NewServer(t)
	stop1 := Drive(s1)
	defer stop1()

	s2 := JoinServer(t, s1.LocalAddress())

	WaitForCondition(t, func() bool {
		return len(s1.ServerList()) == 2
	}, 2*time.Second)

	assert.ElementsMatch(t, []types.Address{s1.LocalAddress(), s2.LocalAddress()}, s1.ServerList())
	assert.ElementsMatch(t, []types.Address{s1.LocalAddress(), s2.LocalAddress()}, s2.ServerList())
}

// TestClientDiscoversNewServer covers spec scenario 4: a client already
// running against S1 learns about S2 once S2 joins, and subsequent
// writes land on both replicas.
func TestClientDiscoversNewServer(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait")) })

	s1 := NewServer(t)
	stop1 := Drive(s1)
	defer stop1()

	c := NewClient(t)
	ConnectAndAuth(t, c, s1.LocalAddress(), "sar", "sar")

	s2 := JoinServer(t, s1.LocalAddress())

	WaitForCondition(t, func() bool {
		return len(c.Servers()) == 2
	}, 3*time.Second)
	assert.ElementsMatch(t, []types.Address{s1.LocalAddress(), s2.LocalAddress()}, c.Servers())

	c.Enqueue(types.NewMessage(types.TopicFile, types.CommandWatched, types.WatchedParams{SrcPath: "shared"}.Encode()))
	c.Enqueue(types.NewMessage(types.TopicFile, types.CommandCreated, types.CreatedParams{SrcPath: "shared/x.txt", IsDirectory: false}.Encode()))
	c.Enqueue(types.NewMessage(types.TopicFile, types.CommandModified, types.ModifiedParams{SrcPath: "shared/x.txt", IsDirectory: false, NewContent: []byte("both")}.Encode()))

	WaitForCondition(t, func() bool {
		g1, err1 := os.ReadFile(filepath.Join(s1.StorageRoot(), "shared", "x.txt"))
		g2, err2 := os.ReadFile(filepath.Join(s2.StorageRoot(), "shared", "x.txt"))
		return err1 == nil && err2 == nil && string(g1) == "both" && string(g2) == "both"
	}, 3*time.Second)
}

// TestAckTimeoutIsFatal covers spec scenario 5: a client whose request
// never gets acknowledged reports a timeout rather than hanging forever.
func TestAckTimeoutIsFatal(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))

	c, err := client.New(types.Address{IP: "127.0.0.1", Port: 0}, nil)
	require.NoError(t, err)
	defer c.Close()

	stop := Drive(c)
	defer stop()

	c.AckManager().SetTimeout(30 * time.Millisecond)

	// A bare listener accepts the connection but never reads or replies,
	// standing in for a server that silently drops the request: the send
	// succeeds, the request is never acknowledged, and the ack manager's
	// own Tick must surface the timeout rather than hang.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	silent := types.Address{IP: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
	require.NoError(t, c.Connect(silent))

	WaitForCondition(t, func() bool {
		return !c.AckManager().IsAwaitingAck()
	}, 2*time.Second)
	assert.ErrorIs(t, c.WaitAuth(), ack.ErrAckTimeout)
}
