// Package mirrortest provides a small in-process cluster harness for
// exercising the replicated file-mirroring stack end to end, in the
// style of the teacher's test.UnityCluster helper.
package mirrortest

import (
	"testing"
	"time"

	"github.com/korrel/mirrorfs/pkg/mirror/client"
	"github.com/korrel/mirrorfs/pkg/mirror/credentials"
	"github.com/korrel/mirrorfs/pkg/mirror/logging"
	"github.com/korrel/mirrorfs/pkg/mirror/server"
	"github.com/korrel/mirrorfs/pkg/mirror/types"
)

// NewServer starts a fresh server as the first (and only, so far)
// member of its own group, rooted at a temporary storage directory.
func NewServer(t *testing.T) *server.Server {
	t.Helper()
	s, err := server.New(types.Address{IP: "127.0.0.1", Port: 0}, t.TempDir(), credentials.NewDefault(), logging.NopLogger{})
	if err != nil {
		t.Fatalf("mirrortest: start server: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// JoinServer starts a server in the STARTED state and has it connect to
// leader, driving the Tick loop in the background until it reaches
// RUNNING or the deadline elapses.
func JoinServer(t *testing.T, leader types.Address) *server.Server {
	t.Helper()
	s, err := server.NewJoining(types.Address{IP: "127.0.0.1", Port: 0}, t.TempDir(), credentials.NewDefault(), logging.NopLogger{})
	if err != nil {
		t.Fatalf("mirrortest: start joining server: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Connect(leader); err != nil {
		t.Fatalf("mirrortest: connect to leader: %v", err)
	}

	stop := Drive(s)
	t.Cleanup(stop)

	WaitForCondition(t, func() bool { return s.State() == server.Running }, 3*time.Second)
	return s
}

// NewClient starts a client bound to an ephemeral local port.
func NewClient(t *testing.T) *client.Client {
	t.Helper()
	c, err := client.New(types.Address{IP: "127.0.0.1", Port: 0}, logging.NopLogger{})
	if err != nil {
		t.Fatalf("mirrortest: start client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// ConnectAndAuth drives c through KNOCK/SET_SERVERS/AUTH/AUTH_SUCCESS
// against addr, leaving it in RUNNING.
func ConnectAndAuth(t *testing.T, c *client.Client, addr types.Address, username, password string) {
	t.Helper()
	stop := Drive(c)
	t.Cleanup(stop)

	if err := c.Connect(addr); err != nil {
		t.Fatalf("mirrortest: connect: %v", err)
	}
	WaitForCondition(t, func() bool { return len(c.Servers()) > 0 }, 3*time.Second)

	if err := c.Auth(username, password); err != nil {
		t.Fatalf("mirrortest: auth: %v", err)
	}
	if err := c.WaitAuth(); err != nil {
		t.Fatalf("mirrortest: auth rejected: %v", err)
	}
}

// ticker is the minimal interface both *server.Server and *client.Client
// satisfy for the scheduler loop.
type ticker interface {
	Tick()
}

// Drive repeatedly calls Tick on n in the background until the returned
// stop function is invoked.
func Drive(n ticker) (stop func()) {
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				n.Tick()
				time.Sleep(10 * time.Millisecond)
			}
		}
	}()
	return func() { close(done) }
}

// WaitForCondition polls cond until it returns true or timeout elapses,
// failing the test on timeout.
func WaitForCondition(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("mirrortest: condition not met within %s", timeout)
}
