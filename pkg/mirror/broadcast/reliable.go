// Package broadcast implements reliable broadcast: at-least-once
// delivery to every live member, delivered at most once per receiver,
// by eager re-forwarding on receive (spec §4.2). This is what lets a
// surviving replica mask the original sender crashing mid-broadcast.
package broadcast

import (
	"errors"
	"fmt"
	"sync"

	"github.com/korrel/mirrorfs/pkg/mirror/logging"
	"github.com/korrel/mirrorfs/pkg/mirror/metrics"
	"github.com/korrel/mirrorfs/pkg/mirror/transport"
	"github.com/korrel/mirrorfs/pkg/mirror/types"
)

// ErrNoDeliveries is returned when every send in a broadcast's recipient
// set failed.
var ErrNoDeliveries = errors.New("broadcast: no deliveries")

// DeliverFunc receives a message once reliable broadcast has determined
// it is a first-time delivery for this node.
type DeliverFunc func(types.Message)

// Broadcaster is the reliable-broadcast middleware layer.
type Broadcaster struct {
	transport transport.Transport
	deliver   DeliverFunc
	ids       *types.IDGenerator
	log       logging.Logger

	mu   sync.Mutex
	seen map[types.Address]map[types.MessageID]struct{}
}

// New wraps t with reliable-broadcast semantics, invoking deliver for
// every first-time-delivered message.
func New(t transport.Transport, deliver DeliverFunc, log logging.Logger) *Broadcaster {
	if log == nil {
		log = logging.NewDefaultLogger()
	}
	return &Broadcaster{
		transport: t,
		deliver:   deliver,
		ids:       types.NewIDGenerator(),
		log:       log.WithField("component", "broadcast"),
		seen:      map[types.Address]map[types.MessageID]struct{}{},
	}
}

// Start spawns the goroutine that drains the transport's Inbound channel
// and feeds every message through RDeliver. It returns immediately; the
// goroutine exits once the transport closes its Inbound channel.
func (b *Broadcaster) Start() {
	go func() {
		for msg := range b.transport.Inbound() {
			b.RDeliver(msg)
		}
	}()
}

// RBroadcast stamps the message with sender/message-id/recipient-set
// metadata and sends it to every recipient. Fails loudly if zero sends
// succeed.
func (b *Broadcaster) RBroadcast(to map[types.Address]struct{}, message types.Message) error {
	id := b.ids.Next()
	recipients := addressSlice(to)
	message.AddMeta("r_broadcast", map[string]any{
		"sender":     types.EncodeAddress(b.transport.LocalAddress()),
		"message_id": []any{id.NodeInstance, int64(id.Counter)},
		"to":         encodeAddresses(recipients),
	})

	delivered := b.send(recipients, message)
	if delivered == 0 {
		metrics.BroadcastsTotal.WithLabelValues("no_deliveries").Inc()
		return fmt.Errorf("%w: recipients=%v", ErrNoDeliveries, recipients)
	}
	metrics.BroadcastsTotal.WithLabelValues("ok").Inc()
	return nil
}

func (b *Broadcaster) send(to []types.Address, message types.Message) int {
	delivered := 0
	for _, recipient := range to {
		if recipient == b.transport.LocalAddress() {
			continue
		}
		if err := b.transport.Send(recipient, message); err != nil {
			b.log.Warnf("broadcast partially failed: %v", err)
			continue
		}
		delivered++
	}
	return delivered
}

// RDeliver is the callback wired to the transport's Inbound channel. It
// implements the eager-forwarding construction: drop own echoes, drop
// duplicates, otherwise re-forward to the rest of the recipient set and
// hand the message upward exactly once.
func (b *Broadcaster) RDeliver(message types.Message) {
	meta, ok := message.Meta["r_broadcast"]
	if !ok {
		// No r_broadcast stamp: not something this layer produced,
		// forward unconditionally (keeps the layer composable under
		// ack manager, which may call deliver directly for ACKs).
		b.deliver(message)
		return
	}

	sender, ok := types.DecodeAddress(meta["sender"])
	if !ok {
		b.log.Warnf("r_deliver: message missing valid sender, dropping")
		return
	}
	id, ok := decodeMessageID(meta["message_id"])
	if !ok {
		b.log.Warnf("r_deliver: message missing valid message_id, dropping")
		return
	}
	to, ok := decodeAddressSet(meta["to"])
	if !ok {
		b.log.Warnf("r_deliver: message missing valid recipient set, dropping")
		return
	}

	if sender == b.transport.LocalAddress() {
		return
	}

	b.mu.Lock()
	seenIDs, exists := b.seen[sender]
	if !exists {
		seenIDs = map[types.MessageID]struct{}{}
		b.seen[sender] = seenIDs
	}
	if _, already := seenIDs[id]; already {
		b.mu.Unlock()
		return
	}
	seenIDs[id] = struct{}{}
	b.mu.Unlock()

	others := make([]types.Address, 0, len(to))
	for addr := range to {
		if addr != b.transport.LocalAddress() {
			others = append(others, addr)
		}
	}
	if len(others) > 0 {
		metrics.ForwardsTotal.Add(float64(len(others)))
		b.send(others, message)
	}

	b.deliver(message)
}

func addressSlice(set map[types.Address]struct{}) []types.Address {
	out := make([]types.Address, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	return out
}

func encodeAddresses(addrs []types.Address) []any {
	out := make([]any, len(addrs))
	for i, a := range addrs {
		out[i] = types.EncodeAddress(a)
	}
	return out
}

func decodeAddressSet(v any) (map[types.Address]struct{}, bool) {
	raw, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make(map[types.Address]struct{}, len(raw))
	for _, r := range raw {
		addr, ok := types.DecodeAddress(r)
		if !ok {
			return nil, false
		}
		out[addr] = struct{}{}
	}
	return out, true
}

func decodeMessageID(v any) (types.MessageID, bool) {
	pair, ok := v.([]any)
	if !ok || len(pair) != 2 {
		return types.MessageID{}, false
	}
	node, ok1 := asInt64(pair[0])
	counter, ok2 := asInt64(pair[1])
	if !ok1 || !ok2 {
		return types.MessageID{}, false
	}
	return types.MessageID{NodeInstance: node, Counter: uint64(counter)}, true
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

// AddressSet is a small helper constructing a recipient set from a slice.
func AddressSet(addrs ...types.Address) map[types.Address]struct{} {
	out := make(map[types.Address]struct{}, len(addrs))
	for _, a := range addrs {
		out[a] = struct{}{}
	}
	return out
}
