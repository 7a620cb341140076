// Package server implements the replica node: group membership, the join
// handshake, authorization, and the file-operation dispatch that applies
// replicated effects to a confined storage tree (spec §4.4-§4.6),
// grounded on original_source/src/server/__init__.py.
package server

import (
	"errors"
	"fmt"
	"sync"

	"github.com/korrel/mirrorfs/pkg/mirror/ack"
	"github.com/korrel/mirrorfs/pkg/mirror/broadcast"
	"github.com/korrel/mirrorfs/pkg/mirror/credentials"
	"github.com/korrel/mirrorfs/pkg/mirror/logging"
	"github.com/korrel/mirrorfs/pkg/mirror/metrics"
	"github.com/korrel/mirrorfs/pkg/mirror/transport"
	"github.com/korrel/mirrorfs/pkg/mirror/types"
)

// Sentinel errors surfaced by route handlers. None of these cross the
// wire directly; they are logged, and where the protocol defines a
// CLIENT/ERROR reply, turned into one.
var (
	ErrUnknownClient = errors.New("server: unknown client")
	ErrNotAuthorized = errors.New("server: operation not permitted for this access level")
	ErrNotImplemented = errors.New("server: command not implemented")
)

// Server is a single replica. It owns group membership, the confined
// file tree, and dispatch for every CLIENT/FILE/REPLICATION command this
// node accepts.
type Server struct {
	log   logging.Logger
	trans transport.Transport
	rb    *broadcast.Broadcaster
	ack   *ack.Manager
	creds *credentials.Directory
	tree  *MirroredTree

	mu      sync.Mutex
	state   State
	address types.Address
	servers []types.Address
	clients map[types.Address]credentials.AccessLevel
}

// New starts listening on addr and returns a Server in the RUNNING state,
// as the first member of a fresh group (spec §4.4, "the first server has
// no server group to connect to").
func New(addr types.Address, storageDir string, creds *credentials.Directory, log logging.Logger) (*Server, error) {
	if log == nil {
		log = logging.NewDefaultLogger()
	}
	if creds == nil {
		creds = credentials.NewDefault()
	}

	tree, err := NewMirroredTree(storageDir)
	if err != nil {
		return nil, err
	}

	trans, err := transport.NewTCPTransport(addr, log)
	if err != nil {
		return nil, err
	}
	local := trans.LocalAddress()

	s := &Server{
		log:     log.WithField("component", "server").WithField("address", local.String()),
		trans:   trans,
		creds:   creds,
		tree:    tree,
		state:   Running,
		address: local,
		servers: []types.Address{local},
		clients: map[types.Address]credentials.AccessLevel{},
	}

	s.rb = broadcast.New(trans, s.ackDeliver, s.log)
	s.ack = ack.New(s.rb, s.route, s.onAckTimeout, s.log)
	s.rb.Start()

	return s, nil
}

// ackDeliver is the callback handed to the broadcaster; it looks up s.ack
// at call time because the ack manager is constructed after the
// broadcaster (ack.Manager.Deliver then calls s.route).
func (s *Server) ackDeliver(message types.Message) {
	s.ack.Deliver(message)
}

func (s *Server) onAckTimeout(id uint64) {
	s.log.Warnf("acknowledgement %d timed out", id)
}

// LocalAddress returns the address this server is bound to.
func (s *Server) LocalAddress() types.Address { return s.trans.LocalAddress() }

// StorageRoot returns the absolute path of the confined storage tree.
func (s *Server) StorageRoot() string { return s.tree.Root() }

// ServerList returns the currently known server membership set.
func (s *Server) ServerList() []types.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Address(nil), s.servers...)
}

// State returns the current join-handshake state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.log.Infof("state changed to %s", state)
}

// Tick runs one iteration of the node's scheduler loop: ack-timeout
// bookkeeping plus whatever transport maintenance is needed (spec §5).
func (s *Server) Tick() {
	s.ack.Tick()
	s.trans.Poll()
}

// Close shuts down the underlying transport.
func (s *Server) Close() error {
	return s.trans.Close()
}

// Connect requests to join the group led by leader. The server must be
// freshly started (spec's CONNECTING transition).
func (s *Server) Connect(leader types.Address) error {
	if s.State() != Started {
		return fmt.Errorf("server: cannot connect from state %s", s.State())
	}
	s.setState(Connecting)
	return s.ack.RBroadcast(broadcast.AddressSet(leader), types.NewMessage(types.TopicReplication, types.CommandConnect, nil), false)
}

// NewJoining constructs a Server that starts in the STARTED state,
// intending to join an existing group via Connect, rather than founding
// one (original_source's FileServiceBackupServer).
func NewJoining(addr types.Address, storageDir string, creds *credentials.Directory, log logging.Logger) (*Server, error) {
	s, err := New(addr, storageDir, creds, log)
	if err != nil {
		return nil, err
	}
	s.setState(Started)
	s.mu.Lock()
	s.servers = nil
	s.mu.Unlock()
	return s, nil
}

// introduce announces this server to every known client and server once
// INITIALIZE has populated servers/clients, per
// original_source/src/server/__init__.py:introduce.
func (s *Server) introduce() error {
	if s.State() != Joining {
		return fmt.Errorf("server: cannot introduce from state %s", s.State())
	}
	s.log.Infof("joining server group")

	s.mu.Lock()
	clients := make([]types.Address, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	servers := append([]types.Address(nil), s.servers...)
	s.mu.Unlock()

	params := types.AddServerParams{Server: s.address}
	// Sent individually per client rather than as one broadcast: a real
	// broadcast would require clients to reach each other, which this
	// system never needs.
	for _, client := range clients {
		msg := types.NewMessage(types.TopicClient, types.CommandAddServer, params.Encode())
		if err := s.ack.RBroadcast(broadcast.AddressSet(client), msg, false); err != nil {
			s.log.Warnf("failed to introduce to client %s: %v", client, err)
		}
	}

	msg := types.NewMessage(types.TopicReplication, types.CommandAddServer, params.Encode())
	if err := s.ack.RBroadcast(broadcast.AddressSet(servers...), msg, false); err != nil {
		s.log.Warnf("failed to introduce to server group: %v", err)
	}

	s.setState(Running)
	return nil
}

// route is the single dispatch entry point for every message the ack
// manager forwards upward, mirroring original_source's BaseServer /
// ActiveReplServer / FileServiceServer / FileServiceBackupServer route
// chain collapsed into one switch.
func (s *Server) route(message types.Message) {
	switch message.Topic {
	case types.TopicClient:
		s.routeClient(message)
	case types.TopicReplication:
		s.routeReplication(message)
	case types.TopicFile:
		s.routeFile(message)
	default:
		s.log.Warnf("%s/%s: %v", message.Topic, message.Command, ErrNotImplemented)
	}
}

func (s *Server) routeClient(message types.Message) {
	switch message.Command {
	case types.CommandKnock:
		s.handleKnock(message)
	case types.CommandAuth:
		s.handleAuth(message)
	default:
		s.log.Warnf("unhandled CLIENT command %s", message.Command)
	}
}

func (s *Server) handleKnock(message types.Message) {
	client, ok := message.Origin()
	if !ok {
		s.log.Warnf("KNOCK with no origin, dropping")
		return
	}
	s.log.Infof("client %s knocked", client)

	s.mu.Lock()
	servers := append([]types.Address(nil), s.servers...)
	s.mu.Unlock()

	reply := types.NewMessage(types.TopicClient, types.CommandSetServers, types.SetServersParams{Servers: servers}.Encode())
	if err := s.ack.AcknowledgeWithMessage(reply, message); err != nil {
		s.log.Warnf("failed to acknowledge KNOCK: %v", err)
	}
}

func (s *Server) handleAuth(message types.Message) {
	client, ok := message.Origin()
	if !ok {
		s.log.Warnf("AUTH with no origin, dropping")
		return
	}
	params, err := types.DecodeAuthParams(message.Params)
	if err != nil {
		s.log.Warnf("bad AUTH params: %v", err)
		return
	}

	access := s.creds.CheckAuth(params.Username, params.Password)
	s.log.Infof("client %s authenticating as %q -> %s", client, params.Username, access)

	s.mu.Lock()
	s.clients[client] = access
	s.mu.Unlock()

	reply := types.NewMessage(types.TopicClient, types.CommandAuthSuccess, types.AuthSuccessParams{Success: access != credentials.Unauthenticated}.Encode())
	if err := s.ack.AcknowledgeWithMessage(reply, message); err != nil {
		s.log.Warnf("failed to acknowledge AUTH: %v", err)
	}
}

func (s *Server) routeReplication(message types.Message) {
	switch message.Command {
	case types.CommandConnect:
		s.handleReplicationConnect(message)
	case types.CommandAddServer:
		s.handleReplicationAddServer(message)
	case types.CommandInitialize:
		s.handleReplicationInitialize(message)
	default:
		s.log.Warnf("unhandled REPLICATION command %s", message.Command)
	}
}

func (s *Server) handleReplicationConnect(message types.Message) {
	newServer, ok := message.Origin()
	if !ok {
		s.log.Warnf("CONNECT with no origin, dropping")
		return
	}
	s.log.Infof("connection request from new server %s", newServer)

	s.mu.Lock()
	servers := append([]types.Address(nil), s.servers...)
	clients := make([]types.ClientEntry, 0, len(s.clients))
	for addr, access := range s.clients {
		clients = append(clients, types.ClientEntry{Address: addr, Access: int(access)})
	}
	s.mu.Unlock()

	reply := types.NewMessage(types.TopicReplication, types.CommandInitialize, types.InitializeParams{Servers: servers, Clients: clients}.Encode())
	if err := s.rb.RBroadcast(broadcast.AddressSet(newServer), reply); err != nil {
		s.log.Warnf("failed to initialize new server %s: %v", newServer, err)
	}
}

func (s *Server) handleReplicationAddServer(message types.Message) {
	params, err := types.DecodeAddServerParams(message.Params)
	if err != nil {
		s.log.Warnf("bad ADD_SERVER params: %v", err)
		return
	}
	s.log.Infof("attaching new server %s to group", params.Server)
	s.mu.Lock()
	s.servers = append(s.servers, params.Server)
	s.mu.Unlock()
}

func (s *Server) handleReplicationInitialize(message types.Message) {
	if s.State() != Connecting {
		s.log.Warnf("INITIALIZE received outside CONNECTING state, ignoring")
		return
	}
	params, err := types.DecodeInitializeParams(message.Params)
	if err != nil {
		s.log.Warnf("bad INITIALIZE params: %v", err)
		return
	}

	clients := make(map[types.Address]credentials.AccessLevel, len(params.Clients))
	for _, c := range params.Clients {
		clients[c.Address] = credentials.AccessLevel(c.Access)
	}

	servers := params.Servers
	selfKnown := false
	for _, addr := range servers {
		if addr == s.address {
			selfKnown = true
			break
		}
	}
	if !selfKnown {
		servers = append(append([]types.Address(nil), servers...), s.address)
	}

	s.mu.Lock()
	s.servers = servers
	s.clients = clients
	s.mu.Unlock()

	s.log.Infof("initialized with %d servers and %d clients", len(params.Servers), len(params.Clients))
	s.setState(Joining)
	if err := s.introduce(); err != nil {
		s.log.Warnf("failed to introduce to group: %v", err)
	}
}

func (s *Server) routeFile(message types.Message) {
	switch message.Command {
	case types.CommandWatched:
		s.handleFileWatched(message)
	case types.CommandCreated:
		s.handleFileCreated(message)
	case types.CommandModified:
		s.handleFileModified(message)
	case types.CommandMoved:
		s.handleFileMoved(message)
	case types.CommandDeleted:
		s.handleFileDeleted(message)
	default:
		s.log.Warnf("unhandled FILE command %s", message.Command)
	}
}

// enforceAuthorization checks the message's origin against minRequired,
// sending a CLIENT/ERROR acknowledgement and returning false if denied.
func (s *Server) enforceAuthorization(message types.Message, minRequired credentials.AccessLevel) bool {
	client, ok := message.Origin()
	if !ok {
		return false
	}

	s.mu.Lock()
	access, known := s.clients[client]
	s.mu.Unlock()

	sendError := func(reason string) {
		errMsg := types.NewMessage(types.TopicClient, types.CommandError, types.ErrorParams{Error: reason}.Encode())
		if err := s.ack.AcknowledgeWithMessage(errMsg, message); err != nil {
			s.log.Warnf("failed to send authorization error: %v", err)
		}
	}

	if !known {
		metrics.AuthorizationDeniedTotal.WithLabelValues("unknown_client").Inc()
		s.log.Warnf("%s/%s from %s: %v", message.Topic, message.Command, client, ErrUnknownClient)
		sendError("Permission denied: unknown client - please authenticate first")
		return false
	}
	if access < minRequired {
		metrics.AuthorizationDeniedTotal.WithLabelValues("insufficient_access").Inc()
		s.log.Warnf("%s/%s from %s: %v", message.Topic, message.Command, client, ErrNotAuthorized)
		sendError("Permission denied: this operation is not allowed for this user")
		return false
	}
	return true
}

// fileErrorReason maps a MirroredTree failure to the string sent back in a
// CLIENT/ERROR reply (spec §8's "permission denied: bad path" boundary
// case for a path that escapes the storage root).
func fileErrorReason(err error) string {
	if errors.Is(err, ErrPathEscape) {
		return "permission denied: bad path"
	}
	return fmt.Sprintf("filesystem error: %v", err)
}

// sendFileError replies CLIENT/ERROR to message's origin and acknowledges
// it, so the client's pending ack is cleared instead of stalling until the
// ack-manager timeout (spec §7, §8).
func (s *Server) sendFileError(message types.Message, err error) {
	reply := types.NewMessage(types.TopicClient, types.CommandError, types.ErrorParams{Error: fileErrorReason(err)}.Encode())
	if sendErr := s.ack.AcknowledgeWithMessage(reply, message); sendErr != nil {
		s.log.Warnf("failed to send file-operation error: %v", sendErr)
	}
}

func (s *Server) handleFileWatched(message types.Message) {
	if !s.enforceAuthorization(message, credentials.Authorized) {
		return
	}
	params, err := types.DecodeWatchedParams(message.Params)
	if err != nil {
		s.log.Warnf("bad WATCHED params: %v", err)
		return
	}
	if err := s.tree.Watched(params.SrcPath); err != nil {
		s.log.Warnf("WATCHED %s failed: %v", params.SrcPath, err)
		s.sendFileError(message, err)
		return
	}
	metrics.FileEffectsTotal.WithLabelValues("watched").Inc()
	s.log.Infof("watching new path: %s", params.SrcPath)
	s.acknowledge(message)
}

func (s *Server) handleFileCreated(message types.Message) {
	if !s.enforceAuthorization(message, credentials.Authorized) {
		return
	}
	params, err := types.DecodeCreatedParams(message.Params)
	if err != nil {
		s.log.Warnf("bad CREATED params: %v", err)
		return
	}
	if err := s.tree.Created(params.SrcPath, params.IsDirectory); err != nil {
		s.log.Warnf("CREATED %s failed: %v", params.SrcPath, err)
		s.sendFileError(message, err)
		return
	}
	metrics.FileEffectsTotal.WithLabelValues("created").Inc()
	s.log.Infof("file created: %s", params.SrcPath)
	s.acknowledge(message)
}

func (s *Server) handleFileModified(message types.Message) {
	if !s.enforceAuthorization(message, credentials.Authorized) {
		return
	}
	params, err := types.DecodeModifiedParams(message.Params)
	if err != nil {
		s.log.Warnf("bad MODIFIED params: %v", err)
		return
	}
	if err := s.tree.Modified(params.SrcPath, params.IsDirectory, params.NewContent); err != nil {
		s.log.Warnf("MODIFIED %s failed: %v", params.SrcPath, err)
		s.sendFileError(message, err)
		return
	}
	metrics.FileEffectsTotal.WithLabelValues("modified").Inc()
	s.log.Infof("file modified: %s", params.SrcPath)
	s.acknowledge(message)
}

func (s *Server) handleFileMoved(message types.Message) {
	if !s.enforceAuthorization(message, credentials.Authorized) {
		return
	}
	params, err := types.DecodeMovedParams(message.Params)
	if err != nil {
		s.log.Warnf("bad MOVED params: %v", err)
		return
	}
	if err := s.tree.Moved(params.SrcPath, params.DestPath); err != nil {
		s.log.Warnf("MOVED %s -> %s failed: %v", params.SrcPath, params.DestPath, err)
		s.sendFileError(message, err)
		return
	}
	metrics.FileEffectsTotal.WithLabelValues("moved").Inc()
	s.log.Infof("file moved: %s -> %s", params.SrcPath, params.DestPath)
	s.acknowledge(message)
}

func (s *Server) handleFileDeleted(message types.Message) {
	if !s.enforceAuthorization(message, credentials.Authorized) {
		return
	}
	params, err := types.DecodeDeletedParams(message.Params)
	if err != nil {
		s.log.Warnf("bad DELETED params: %v", err)
		return
	}
	if err := s.tree.Deleted(params.SrcPath, params.IsDirectory); err != nil {
		s.log.Warnf("DELETED %s failed: %v", params.SrcPath, err)
		s.sendFileError(message, err)
		return
	}
	metrics.FileEffectsTotal.WithLabelValues("deleted").Inc()
	s.log.Infof("file deleted: %s", params.SrcPath)
	s.acknowledge(message)
}

func (s *Server) acknowledge(message types.Message) {
	if err := s.ack.Acknowledge(message); err != nil {
		s.log.Warnf("failed to acknowledge %s/%s: %v", message.Topic, message.Command, err)
	}
}
