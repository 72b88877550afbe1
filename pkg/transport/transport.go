// Package transport is the pluggable network layer the core Raft
// engine treats as an external collaborator (spec.md §1): best-effort
// message delivery by peer address. Network has no "output queue
// empty" callback: Send returns nothing and reports neither delivery
// nor when a peer's outbound queue has drained. TCPNetwork is
// this module's reference implementation, using the wire format from
// pkg/message over length-prefixed TCP frames; InMemoryNetwork is a
// zero-latency stand-in for tests and the in-process cluster harness.
package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/cuemby/raftkv/pkg/kv"
	"github.com/cuemby/raftkv/pkg/log"
	"github.com/cuemby/raftkv/pkg/message"
)

// Handler is invoked once per received message. It must not block for
// long — the network layer's single read loop per connection waits on
// it before reading the next frame.
type Handler func(from kv.Identity, msg message.Message)

// Network is the narrow interface the coordinator depends on. Send is
// best-effort: a Network may silently drop a message it cannot
// currently deliver (a dead connection, a full queue) rather than
// block or retry, since the Raft protocol above it already tolerates
// message loss.
type Network interface {
	// Start begins accepting and dispatching inbound messages to
	// handler, identifying itself to peers as self.
	Start(self kv.Identity, handler Handler) error
	// Send enqueues msg for best-effort delivery to address.
	Send(address kv.Address, msg message.Message)
	// Stop closes all connections and stops accepting new ones.
	Stop() error
}

// maxFrameBytes bounds a single frame so a corrupt or malicious
// peer can't make a reader allocate unboundedly.
const maxFrameBytes = 64 << 20

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("transport: frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// TCPNetwork delivers messages over plain TCP connections, one
// persistent outbound connection per peer address, reconnecting lazily
// on the next Send after a failure.
type TCPNetwork struct {
	self     kv.Identity
	listener net.Listener
	handler  Handler

	mu    sync.Mutex
	conns map[kv.Address]*outboundConn
}

type outboundConn struct {
	mu   sync.Mutex
	conn net.Conn
}

// NewTCPNetwork returns a TCPNetwork that will listen on listenAddr
// once Start is called.
func NewTCPNetwork(listenAddr string) (*TCPNetwork, error) {
	l, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen on %s: %w", listenAddr, err)
	}
	return &TCPNetwork{listener: l, conns: make(map[kv.Address]*outboundConn)}, nil
}

// Start implements Network.
func (n *TCPNetwork) Start(self kv.Identity, handler Handler) error {
	n.self = self
	n.handler = handler
	go n.acceptLoop()
	return nil
}

func (n *TCPNetwork) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			return
		}
		go n.serveConn(conn)
	}
}

func (n *TCPNetwork) serveConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		payload, err := readFrame(r)
		if err != nil {
			return
		}
		msg, err := message.Decode(payload)
		if err != nil {
			log.Warn("transport: discarding malformed frame: %v", err)
			continue
		}
		n.handler(msg.GetHeader().Sender, msg)
	}
}

// Send implements Network.
func (n *TCPNetwork) Send(address kv.Address, msg message.Message) {
	oc := n.outboundFor(address)
	oc.mu.Lock()
	defer oc.mu.Unlock()

	if oc.conn == nil {
		conn, err := net.Dial("tcp", string(address))
		if err != nil {
			log.Debug("transport: dial %s failed: %v", string(address), err)
			return
		}
		oc.conn = conn
	}
	if err := writeFrame(oc.conn, message.Encode(msg)); err != nil {
		log.Debug("transport: send to %s failed: %v", string(address), err)
		oc.conn.Close()
		oc.conn = nil
	}
}

func (n *TCPNetwork) outboundFor(address kv.Address) *outboundConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	oc, ok := n.conns[address]
	if !ok {
		oc = &outboundConn{}
		n.conns[address] = oc
	}
	return oc
}

// Stop implements Network.
func (n *TCPNetwork) Stop() error {
	err := n.listener.Close()
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, oc := range n.conns {
		oc.mu.Lock()
		if oc.conn != nil {
			oc.conn.Close()
		}
		oc.mu.Unlock()
	}
	return err
}
