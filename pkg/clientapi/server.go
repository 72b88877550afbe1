package clientapi

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/cuemby/raftkv/pkg/coordinator"
	"github.com/cuemby/raftkv/pkg/kv"
	"github.com/cuemby/raftkv/pkg/txn"
)

// Server implements TransactionServer against one coordinator, turning
// each Execute call into a transaction: buffered ops applied to a
// fresh MVCC view, then committed or rolled back in a single round
// trip.
type Server struct {
	coord         *coordinator.Coordinator
	defaultCommit time.Duration
	grpc          *grpc.Server
	addr          string
}

// NewServer wraps coord. defaultCommitTimeout bounds how long Execute
// waits for a commit to resolve when the request itself specifies no
// TimeoutMs; zero means wait indefinitely (bounded only by the caller's
// context).
func NewServer(coord *coordinator.Coordinator, defaultCommitTimeout time.Duration) *Server {
	return &Server{coord: coord, defaultCommit: defaultCommitTimeout, grpc: grpc.NewServer()}
}

// Start listens on addr and serves until Stop is called.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("clientapi: listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve registers the service against lis and blocks until Stop is
// called. Split out from Start so callers that need to know the bound
// address of an ephemeral (":0") listener can inspect lis.Addr() first.
func (s *Server) Serve(lis net.Listener) error {
	s.addr = lis.Addr().String()
	RegisterTransactionServer(s.grpc, s)
	return s.grpc.Serve(lis)
}

// Addr returns the address Serve bound to. Empty until Serve has been
// called.
func (s *Server) Addr() string { return s.addr }

// Stop gracefully drains in-flight RPCs before returning.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// Execute decodes req, replays its buffered operations against a fresh
// transaction, and commits (or rolls back) it before returning.
func (s *Server) Execute(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	req, err := DecodeRequest(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if isLoneWatch(req) {
		resp := s.executeWatch(ctx, req.Ops[0].Key)
		return wrapperspb.Bytes(resp.Encode()), nil
	}

	tx, err := s.coord.CreateTransaction(req.Consistency)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "clientapi: creating transaction: %v", err)
	}
	tx.Rebasable = req.Rebasable
	if req.ReadOnlySet {
		tx.SetReadOnly(req.ReadOnly)
	}
	tx.SetHighPriority(req.HighPriority)
	if req.TimeoutMs > 0 {
		tx.SetTimeout(req.TimeoutMs)
	}
	if req.ConfigChange != nil {
		tx.ConfigChangeRequest(req.ConfigChange.Identity, req.ConfigChange.Address)
	}

	results, err := applyOps(tx, req.Ops)
	if err != nil {
		tx.Rollback()
		return wrapperspb.Bytes(Response{Error: err.Error()}.Encode()), nil
	}

	if req.Rollback {
		tx.Rollback()
		return wrapperspb.Bytes(Response{Success: true, Results: results}.Encode()), nil
	}

	return wrapperspb.Bytes(s.commit(ctx, tx, req.TimeoutMs, results).Encode()), nil
}

func isLoneWatch(req Request) bool {
	return len(req.Ops) == 1 && req.Ops[0].Tag == opWatchKey && req.ConfigChange == nil
}

// executeWatch blocks until key is next touched by a committed write or
// the caller's context ends. A request's TimeoutMs is not applied here.
func (s *Server) executeWatch(ctx context.Context, key kv.Key) Response {
	w := s.coord.Watches().Register(key)
	select {
	case <-w.Done():
		return Response{Success: true}
	case <-ctx.Done():
		w.Cancel()
		return Response{Error: ctx.Err().Error()}
	}
}

// applyOps replays ops against tx in order, collecting a result for
// every read operation. It stops at the first error.
func applyOps(tx *txn.Transaction, ops []clientOp) ([]opResult, error) {
	var results []opResult
	for _, op := range ops {
		switch op.Tag {
		case opGet:
			v, found, err := tx.Get(op.Key)
			if err != nil {
				return results, err
			}
			results = append(results, opResult{Found: found, Key: op.Key, Value: v})
		case opGetAtLeast:
			k, v, found, err := tx.GetAtLeast(op.Key)
			if err != nil {
				return results, err
			}
			results = append(results, opResult{Found: found, Key: k, Value: v})
		case opGetAtMost:
			k, v, found, err := tx.GetAtMost(op.Key)
			if err != nil {
				return results, err
			}
			results = append(results, opResult{Found: found, Key: k, Value: v})
		case opGetRange:
			err := tx.GetRange(kv.Range{Start: op.Key, End: op.RangeEnd}, func(k kv.Key, v []byte) bool {
				results = append(results, opResult{Found: true, Key: k.Clone(), Value: v})
				return true
			})
			if err != nil {
				return results, err
			}
		case opPut:
			tx.Put(op.Key, op.Value)
		case opRemove:
			tx.Remove(op.Key)
		case opRemoveRange:
			tx.RemoveRange(kv.Range{Start: op.Key, End: op.RangeEnd})
		case opAdjustCounter:
			tx.AdjustCounter(op.Key, op.Delta)
		default:
			return results, fmt.Errorf("clientapi: unsupported op tag 0x%02x", byte(op.Tag))
		}
	}
	return results, nil
}

// commit submits tx and waits for it to resolve, bounded by whichever
// of requestTimeoutMs, s.defaultCommit, or ctx's own deadline is
// tightest. A timeout here does not roll tx back: it may still commit
// and the caller can retry its read to discover the outcome.
func (s *Server) commit(ctx context.Context, tx *txn.Transaction, requestTimeoutMs int, results []opResult) Response {
	waitCtx := ctx
	var cancel context.CancelFunc
	switch {
	case requestTimeoutMs > 0:
		waitCtx, cancel = context.WithTimeout(ctx, time.Duration(requestTimeoutMs)*time.Millisecond)
	case s.defaultCommit > 0:
		waitCtx, cancel = context.WithTimeout(ctx, s.defaultCommit)
	}
	if cancel != nil {
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- tx.Commit() }()

	select {
	case err := <-done:
		if err != nil {
			return Response{Error: err.Error()}
		}
		resp := Response{Success: true, CommitTerm: tx.CommitTerm, CommitIndex: tx.CommitIndex, Results: results}
		if tx.CommitLeaderLeaseTimeout != nil {
			resp.LeaseTimeout = uint32(*tx.CommitLeaderLeaseTimeout)
		}
		return resp
	case <-waitCtx.Done():
		return Response{Error: fmt.Sprintf("clientapi: commit wait: %v", waitCtx.Err())}
	}
}
