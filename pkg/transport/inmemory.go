package transport

import (
	"sync"

	"github.com/cuemby/raftkv/pkg/kv"
	"github.com/cuemby/raftkv/pkg/message"
)

// Hub wires a group of InMemoryNetworks together by address, standing
// in for a real network in single-process tests and the cluster
// harness (test/cluster).
type Hub struct {
	mu          sync.Mutex
	byAddr      map[kv.Address]*InMemoryNetwork
	partitioned map[kv.Address]bool
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{byAddr: make(map[kv.Address]*InMemoryNetwork), partitioned: make(map[kv.Address]bool)}
}

// Partition marks address as unreachable: sends to or from it are
// silently dropped, modeling a network partition for failure tests.
func (h *Hub) Partition(address kv.Address) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.partitioned[address] = true
}

// Heal reverses Partition.
func (h *Hub) Heal(address kv.Address) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.partitioned, address)
}

func (h *Hub) isPartitioned(address kv.Address) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.partitioned[address]
}

func (h *Hub) register(address kv.Address, n *InMemoryNetwork) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byAddr[address] = n
}

func (h *Hub) lookup(address kv.Address) (*InMemoryNetwork, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.byAddr[address]
	return n, ok
}

// InMemoryNetwork implements Network by handing each message, after a
// round trip through the wire codec, to the destination's handler on a
// goroutine — suitable only for single-process tests, which is why it
// lives alongside TCPNetwork rather than replacing it.
type InMemoryNetwork struct {
	hub     *Hub
	address kv.Address
	self    kv.Identity
	handler Handler
}

// NewInMemoryNetwork returns a network bound to address on hub. Start
// must still be called before it can send or receive.
func NewInMemoryNetwork(hub *Hub, address kv.Address) *InMemoryNetwork {
	n := &InMemoryNetwork{hub: hub, address: address}
	hub.register(address, n)
	return n
}

// Start implements Network.
func (n *InMemoryNetwork) Start(self kv.Identity, handler Handler) error {
	n.self = self
	n.handler = handler
	return nil
}

// Send implements Network.
func (n *InMemoryNetwork) Send(address kv.Address, msg message.Message) {
	if n.hub.isPartitioned(n.address) || n.hub.isPartitioned(address) {
		return
	}
	dest, ok := n.hub.lookup(address)
	if !ok || dest.handler == nil {
		return
	}
	// Encode/decode even in-memory, so a bug in the wire codec would
	// still be caught by tests that only exercise this transport.
	encoded := message.Encode(msg)
	go func() {
		decoded, err := message.Decode(encoded)
		if err != nil {
			return
		}
		dest.handler(n.self, decoded)
	}()
}

// Stop implements Network.
func (n *InMemoryNetwork) Stop() error { return nil }
