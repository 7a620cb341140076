// Package client implements the client-side node: the connect/authenticate
// handshake, a FIFO outbound queue serialised one-in-flight against the
// ack manager, and the discovery of new servers via ADD_SERVER (spec
// §4.4), grounded on original_source/src/client/client.py and
// common/communication/ack_manager.py.
package client

import (
	"errors"
	"fmt"
	"sync"

	"github.com/korrel/mirrorfs/pkg/mirror/ack"
	"github.com/korrel/mirrorfs/pkg/mirror/broadcast"
	"github.com/korrel/mirrorfs/pkg/mirror/logging"
	"github.com/korrel/mirrorfs/pkg/mirror/transport"
	"github.com/korrel/mirrorfs/pkg/mirror/types"
)

// ErrAuthRejected is returned by WaitAuth (and surfaces to the CLI) when
// the server replies AUTH_SUCCESS{success:false}.
var ErrAuthRejected = errors.New("client: credentials rejected")

// ErrNotRunning guards operations that require the handshake to have
// completed.
var ErrNotRunning = errors.New("client: not in RUNNING state")

// outboundRequest is one queued file-operation message awaiting its turn
// to be sent with expect_ack.
type outboundRequest struct {
	message types.Message
}

// Client is a single node on the client side of the protocol.
type Client struct {
	log   logging.Logger
	trans transport.Transport
	rb    *broadcast.Broadcaster
	ack   *ack.Manager

	mu       sync.Mutex
	state    State
	servers  []types.Address
	authErr  error
	authDone chan struct{}

	queueMu sync.Mutex
	queue   []outboundRequest
}

// New binds a client transport at addr. The client starts in STARTED and
// must call Connect to begin the handshake.
func New(addr types.Address, log logging.Logger) (*Client, error) {
	if log == nil {
		log = logging.NewDefaultLogger()
	}
	trans, err := transport.NewTCPTransport(addr, log)
	if err != nil {
		return nil, err
	}

	c := &Client{
		log:      log.WithField("component", "client").WithField("address", trans.LocalAddress().String()),
		trans:    trans,
		state:    Started,
		authDone: make(chan struct{}, 1),
	}
	c.rb = broadcast.New(trans, c.ackDeliver, c.log)
	c.ack = ack.New(c.rb, c.route, c.onAckTimeout, c.log)
	c.rb.Start()
	return c, nil
}

func (c *Client) ackDeliver(message types.Message) {
	c.ack.Deliver(message)
}

func (c *Client) onAckTimeout(id uint64) {
	c.log.Errorf("ack timed out for message %d", id)
	c.mu.Lock()
	c.authErr = fmt.Errorf("%w: request %d", ack.ErrAckTimeout, id)
	c.mu.Unlock()
	select {
	case c.authDone <- struct{}{}:
	default:
	}
}

// LocalAddress returns the address this client is bound to.
func (c *Client) LocalAddress() types.Address { return c.trans.LocalAddress() }

// AckManager exposes the underlying ack manager, mainly so callers (and
// tests) can tune the acknowledgement timeout.
func (c *Client) AckManager() *ack.Manager { return c.ack }

// State returns the current handshake state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	c.log.Infof("state changed to %s", state)
}

// Servers returns the currently known server list.
func (c *Client) Servers() []types.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Address(nil), c.servers...)
}

// Close shuts down the underlying transport.
func (c *Client) Close() error {
	return c.trans.Close()
}

// Tick runs one iteration of the node's scheduler loop: ack-timeout
// bookkeeping, transport maintenance, and draining the outbound queue if
// idle (spec §5).
func (c *Client) Tick() {
	c.ack.Tick()
	c.trans.Poll()
	c.drainIfIdle()
}

// Connect sends CLIENT/KNOCK to addr and transitions to CONNECTING.
func (c *Client) Connect(addr types.Address) error {
	if c.State() != Started {
		return fmt.Errorf("client: cannot connect from state %s", c.State())
	}
	c.setState(Connecting)
	return c.ack.RBroadcast(broadcast.AddressSet(addr), types.NewMessage(types.TopicClient, types.CommandKnock, nil), true)
}

// Auth sends CLIENT/AUTH{username, password} and transitions to
// AUTHENTICATING. Must be called after SET_SERVERS has been received
// (spec's "stay CONNECTING until auth() is invoked").
func (c *Client) Auth(username, password string) error {
	if c.State() != Connecting {
		return fmt.Errorf("client: cannot authenticate from state %s", c.State())
	}
	servers := c.Servers()
	if len(servers) == 0 {
		return errors.New("client: no known servers to authenticate against")
	}
	c.setState(Authenticating)
	params := types.AuthParams{Username: username, Password: password}
	return c.ack.RBroadcast(broadcast.AddressSet(servers...), types.NewMessage(types.TopicClient, types.CommandAuth, params.Encode()), true)
}

// WaitAuth blocks until authentication completes (successfully or not),
// returning ErrAuthRejected on rejection or any ack-timeout error
// encountered meanwhile.
func (c *Client) WaitAuth() error {
	<-c.authDone
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authErr
}

// Enqueue appends a file-operation message to the outbound FIFO queue.
// File-event handlers call this without waiting (spec's "enqueue without
// waiting").
func (c *Client) Enqueue(message types.Message) {
	c.queueMu.Lock()
	c.queue = append(c.queue, outboundRequest{message: message})
	c.queueMu.Unlock()
}

// drainIfIdle pops and sends the head of the outbound queue if no
// acknowledgement is currently outstanding, implementing the one-in-flight
// rule that yields per-client total order (spec §4.4, §5).
func (c *Client) drainIfIdle() {
	if c.State() != Running {
		return
	}
	if c.ack.IsAwaitingAck() {
		return
	}

	c.queueMu.Lock()
	if len(c.queue) == 0 {
		c.queueMu.Unlock()
		return
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	c.queueMu.Unlock()

	servers := c.Servers()
	if err := c.ack.RBroadcast(broadcast.AddressSet(servers...), next.message, true); err != nil {
		c.log.Warnf("failed to send queued %s/%s: %v", next.message.Topic, next.message.Command, err)
	}
}

// route is the single dispatch entry point for every message the ack
// manager forwards upward.
func (c *Client) route(message types.Message) {
	switch message.Topic {
	case types.TopicClient:
		c.routeClient(message)
	default:
		c.log.Warnf("unhandled topic %s", message.Topic)
	}
}

func (c *Client) routeClient(message types.Message) {
	switch message.Command {
	case types.CommandSetServers:
		c.handleSetServers(message)
	case types.CommandAuthSuccess:
		c.handleAuthSuccess(message)
	case types.CommandAddServer:
		c.handleAddServer(message)
	case types.CommandError:
		c.handleError(message)
	default:
		c.log.Warnf("unhandled CLIENT command %s", message.Command)
	}
}

func (c *Client) handleSetServers(message types.Message) {
	params, err := types.DecodeSetServersParams(message.Params)
	if err != nil {
		c.log.Warnf("bad SET_SERVERS params: %v", err)
		return
	}
	c.mu.Lock()
	c.servers = params.Servers
	c.mu.Unlock()
	c.log.Infof("recorded %d servers", len(params.Servers))
}

func (c *Client) handleAuthSuccess(message types.Message) {
	params, err := types.DecodeAuthSuccessParams(message.Params)
	if err != nil {
		c.log.Warnf("bad AUTH_SUCCESS params: %v", err)
		return
	}
	if !params.Success {
		c.mu.Lock()
		c.authErr = ErrAuthRejected
		c.mu.Unlock()
		select {
		case c.authDone <- struct{}{}:
		default:
		}
		return
	}
	c.setState(Running)
	select {
	case c.authDone <- struct{}{}:
	default:
	}
}

func (c *Client) handleAddServer(message types.Message) {
	params, err := types.DecodeAddServerParams(message.Params)
	if err != nil {
		c.log.Warnf("bad ADD_SERVER params: %v", err)
		return
	}
	c.mu.Lock()
	c.servers = append(c.servers, params.Server)
	c.mu.Unlock()
	c.log.Infof("discovered new server %s", params.Server)
}

func (c *Client) handleError(message types.Message) {
	params, ok := message.Params["error"].(string)
	if !ok {
		params = "unknown error"
	}
	c.log.Errorf("server rejected request: %s", params)
}
