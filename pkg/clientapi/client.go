package clientapi

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/cuemby/raftkv/pkg/kv"
	"github.com/cuemby/raftkv/pkg/txn"
)

// Client is a thin wrapper over a TransactionClient that builds and
// decodes Request/Response payloads for callers (cmd/raftkvd, tests)
// that don't want to touch the wire format directly.
type Client struct {
	conn *grpc.ClientConn
	rpc  TransactionClient
}

// Dial connects to addr without transport security. DialTLS (tls.go)
// is the mutual-TLS counterpart for a server built with NewTLSServer.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("clientapi: dialing %s: %w", addr, err)
	}
	return &Client{conn: conn, rpc: NewTransactionClient(conn)}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Execute sends req and decodes the response.
func (c *Client) Execute(ctx context.Context, req Request) (Response, error) {
	out, err := c.rpc.Execute(ctx, wrapperspb.Bytes(req.Encode()))
	if err != nil {
		return Response{}, err
	}
	return DecodeResponse(out.GetValue())
}

// Builder accumulates operations for a single transaction before
// sending it in one Execute call, mirroring the option-then-op-then-
// commit shape of pkg/txn.Transaction's in-process API.
type Builder struct {
	req Request
}

// NewBuilder starts a transaction request at the given consistency
// level.
func NewBuilder(consistency txn.Consistency) *Builder {
	return &Builder{req: Request{Consistency: consistency}}
}

// Rebasable marks the transaction rebasable on conflicting commits.
func (b *Builder) Rebasable(v bool) *Builder { b.req.Rebasable = v; return b }

// ReadOnly overrides the transaction's read-only default for its
// consistency level.
func (b *Builder) ReadOnly(v bool) *Builder { b.req.ReadOnly, b.req.ReadOnlySet = v, true; return b }

// HighPriority marks the transaction as the per-peer conflict winner.
func (b *Builder) HighPriority(v bool) *Builder { b.req.HighPriority = v; return b }

// TimeoutMs bounds how long the server waits for this commit to
// resolve before returning a timeout error to the caller.
func (b *Builder) TimeoutMs(ms int) *Builder { b.req.TimeoutMs = ms; return b }

// ConfigChange attaches a single cluster membership change to commit
// alongside this transaction's mutations.
func (b *Builder) ConfigChange(cc kv.ConfigChange) *Builder { b.req.ConfigChange = &cc; return b }

// Get reads key.
func (b *Builder) Get(key kv.Key) *Builder {
	b.req.Ops = append(b.req.Ops, clientOp{Tag: opGet, Key: key})
	return b
}

// GetAtLeast reads the first key >= start.
func (b *Builder) GetAtLeast(start kv.Key) *Builder {
	b.req.Ops = append(b.req.Ops, clientOp{Tag: opGetAtLeast, Key: start})
	return b
}

// GetAtMost reads the last key <= end.
func (b *Builder) GetAtMost(end kv.Key) *Builder {
	b.req.Ops = append(b.req.Ops, clientOp{Tag: opGetAtMost, Key: end})
	return b
}

// GetRange reads every key in [start, end).
func (b *Builder) GetRange(start, end kv.Key) *Builder {
	b.req.Ops = append(b.req.Ops, clientOp{Tag: opGetRange, Key: start, RangeEnd: end})
	return b
}

// Put buffers a write of value to key.
func (b *Builder) Put(key kv.Key, value []byte) *Builder {
	b.req.Ops = append(b.req.Ops, clientOp{Tag: opPut, Key: key, Value: value})
	return b
}

// Remove buffers removal of key.
func (b *Builder) Remove(key kv.Key) *Builder {
	b.req.Ops = append(b.req.Ops, clientOp{Tag: opRemove, Key: key})
	return b
}

// RemoveRange buffers removal of every key in [start, end).
func (b *Builder) RemoveRange(start, end kv.Key) *Builder {
	b.req.Ops = append(b.req.Ops, clientOp{Tag: opRemoveRange, Key: start, RangeEnd: end})
	return b
}

// AdjustCounter buffers a commutative delta to the counter at key.
func (b *Builder) AdjustCounter(key kv.Key, delta int64) *Builder {
	b.req.Ops = append(b.req.Ops, clientOp{Tag: opAdjustCounter, Key: key, Delta: delta})
	return b
}

// Commit sends the accumulated request and commits it.
func (b *Builder) Commit(ctx context.Context, c *Client) (Response, error) {
	return c.Execute(ctx, b.req)
}

// Discard sends the accumulated request but rolls it back instead of
// committing, useful for a read-only round trip that still wants
// server-side conflict checking skipped entirely.
func (b *Builder) Discard(ctx context.Context, c *Client) (Response, error) {
	b.req.Rollback = true
	return c.Execute(ctx, b.req)
}

// WatchKey blocks until key is next touched by a committed write, or
// the context ends. It must be the only operation in its request.
func WatchKey(ctx context.Context, c *Client, key kv.Key) (Response, error) {
	return c.Execute(ctx, Request{Ops: []clientOp{{Tag: opWatchKey, Key: key}}})
}
