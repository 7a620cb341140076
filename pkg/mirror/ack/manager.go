// Package ack implements the ack manager: reliable sends/broadcasts that
// may optionally demand acknowledgement, timing out requests that go
// unanswered (spec §4.3). It sits directly on top of reliable broadcast.
package ack

import (
	"errors"
	"sync"
	"time"

	"github.com/korrel/mirrorfs/pkg/mirror/broadcast"
	"github.com/korrel/mirrorfs/pkg/mirror/logging"
	"github.com/korrel/mirrorfs/pkg/mirror/metrics"
	"github.com/korrel/mirrorfs/pkg/mirror/types"
)

// ErrAckTimeout identifies a pending acknowledgement that was not received
// in time; the client wraps it in the error WaitAuth returns.
var ErrAckTimeout = errors.New("ack: timed out waiting for acknowledgement")

// DefaultTimeout is how long a request may wait for its acknowledgement
// before Tick declares it lost.
const DefaultTimeout = 10 * time.Second

// DeliverFunc receives a message once the ack layer has determined it is
// not itself an acknowledgement, or is an acknowledgement's payload that
// has not already been consumed.
type DeliverFunc func(types.Message)

// TimeoutFunc is invoked once per request whose acknowledgement was not
// received before its deadline.
type TimeoutFunc func(id uint64)

type pending struct {
	deadline time.Time
}

// Manager layers acknowledgement tracking on top of a Broadcaster.
type Manager struct {
	broadcaster broadcaster
	deliver     DeliverFunc
	onTimeout   TimeoutFunc
	log         logging.Logger
	timeout     time.Duration

	mu        sync.Mutex
	nextID    uint64
	awaiting  map[uint64]pending
}

// broadcaster is the subset of *broadcast.Broadcaster the ack manager
// depends on, so tests can substitute a fake without a real transport.
type broadcaster interface {
	RBroadcast(to map[types.Address]struct{}, message types.Message) error
}

// New wraps rb with acknowledgement tracking. deliver receives every
// message that is not an acknowledgement, or is the payload of an
// acknowledgement still awaited. onTimeout, if non-nil, is invoked for
// every request whose deadline Tick finds expired.
func New(rb *broadcast.Broadcaster, deliver DeliverFunc, onTimeout TimeoutFunc, log logging.Logger) *Manager {
	if log == nil {
		log = logging.NewDefaultLogger()
	}
	m := &Manager{
		broadcaster: rb,
		deliver:     deliver,
		onTimeout:   onTimeout,
		log:         log.WithField("component", "ack"),
		timeout:     DefaultTimeout,
		awaiting:    map[uint64]pending{},
	}
	return m
}

// newWithBroadcaster is the test seam: it accepts anything satisfying the
// broadcaster interface instead of requiring a concrete *broadcast.Broadcaster.
func newWithBroadcaster(rb broadcaster, deliver DeliverFunc, onTimeout TimeoutFunc, log logging.Logger) *Manager {
	if log == nil {
		log = logging.NopLogger{}
	}
	return &Manager{
		broadcaster: rb,
		deliver:     deliver,
		onTimeout:   onTimeout,
		log:         log,
		timeout:     DefaultTimeout,
		awaiting:    map[uint64]pending{},
	}
}

// SetTimeout overrides DefaultTimeout, mainly for tests that want a short
// deadline.
func (m *Manager) SetTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = d
}

// IsAwaitingAck reports whether any request is still waiting on its
// acknowledgement.
func (m *Manager) IsAwaitingAck() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.awaiting) > 0
}

// Tick checks every pending request's deadline, firing onTimeout (and
// bumping the ack-timeout counter) for anything overdue. Intended to be
// called once per iteration of the node's scheduler loop (spec §5).
func (m *Manager) Tick() {
	now := time.Now()
	var expired []uint64

	m.mu.Lock()
	for id, p := range m.awaiting {
		if now.After(p.deadline) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(m.awaiting, id)
	}
	m.mu.Unlock()

	for _, id := range expired {
		metrics.AckTimeoutsTotal.Inc()
		m.log.Warnf("ack timed out for message %d", id)
		if m.onTimeout != nil {
			m.onTimeout(id)
		}
	}
}

// RBroadcast reliably broadcasts message to the recipient set. When
// expectAck is true, the message is stamped with a fresh message id under
// meta["ack_manager"] and tracked until an acknowledgement referencing
// that id arrives or Tick times it out.
func (m *Manager) RBroadcast(to map[types.Address]struct{}, message types.Message, expectAck bool) error {
	if expectAck {
		m.mu.Lock()
		id := m.nextID
		m.nextID++
		m.awaiting[id] = pending{deadline: time.Now().Add(m.timeout)}
		m.mu.Unlock()

		message.AddMeta("ack_manager", map[string]any{"message_id": int64(id)})
	}
	return m.rbroadcast(to, message)
}

func (m *Manager) rbroadcast(to map[types.Address]struct{}, message types.Message) error {
	return m.broadcaster.RBroadcast(to, message)
}

// Acknowledge sends a bare CLIENT/ACK message acknowledging request.
func (m *Manager) Acknowledge(request types.Message) error {
	reply := types.NewMessage(types.TopicClient, types.CommandAck, nil)
	return m.AcknowledgeWithMessage(reply, request)
}

// AcknowledgeWithMessage sends reply as the acknowledgement of request,
// addressed back to request's origin and carrying request's message id
// under meta["ack_manager"]["for_message_id"].
func (m *Manager) AcknowledgeWithMessage(reply types.Message, request types.Message) error {
	ackFor, ok := request.Origin()
	if !ok {
		return errors.New("ack: request has no origin to acknowledge")
	}
	ackMeta, ok := request.Meta["ack_manager"]
	if !ok {
		return errors.New("ack: request was not stamped with a message id")
	}
	forID, ok := asInt64(ackMeta["message_id"])
	if !ok {
		return errors.New("ack: request's message id is malformed")
	}

	reply.AddMeta("ack_manager", map[string]any{"for_message_id": forID})
	return m.rbroadcast(broadcast.AddressSet(ackFor), reply)
}

// Deliver is the callback wired to the broadcaster's deliver hook. A
// message carrying meta["ack_manager"]["for_message_id"] is treated as an
// acknowledgement: it clears the matching pending entry and, unless it is
// a bare ACK, is still forwarded upward as the reply payload. Any other
// message is forwarded unconditionally.
func (m *Manager) Deliver(message types.Message) {
	ackMeta, ok := message.Meta["ack_manager"]
	if !ok {
		m.deliver(message)
		return
	}
	forIDRaw, ok := ackMeta["for_message_id"]
	if !ok {
		// Stamped with an outbound message_id, not an ack reply: forward
		// as an ordinary message.
		m.deliver(message)
		return
	}
	forID, ok := asInt64(forIDRaw)
	if !ok {
		m.log.Warnf("ack: malformed for_message_id, dropping")
		return
	}

	m.mu.Lock()
	_, awaited := m.awaiting[uint64(forID)]
	if awaited {
		delete(m.awaiting, uint64(forID))
	}
	m.mu.Unlock()

	if !awaited {
		m.log.Debugf("ack: message is not in the list of expected acknowledgements")
		return
	}
	if message.Command != types.CommandAck {
		m.deliver(message)
	}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
