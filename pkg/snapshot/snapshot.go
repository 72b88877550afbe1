// Package snapshot implements the chunked InstallSnapshot transfer that
// catches up a follower whose log position has fallen behind the
// leader's retained log entirely (spec.md §4.7). It sits directly on
// top of pkg/store's flip-flop prefix scheme: a sender streams the
// leader's current snapshot as compressed batches of key/value pairs,
// and a receiver writes each batch into the follower's inactive prefix
// before flipping it live once every batch has landed.
package snapshot

import (
	"context"
	"fmt"

	"github.com/klauspost/compress/s2"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/raftkv/pkg/codec"
	"github.com/cuemby/raftkv/pkg/kv"
	"github.com/cuemby/raftkv/pkg/message"
	"github.com/cuemby/raftkv/pkg/store"
)

// Source is the state a leader snapshots from: a point-in-time read
// view plus the (term, index, config) it was taken at.
type Source struct {
	Snapshot store.Snapshot
	Term     int64
	Index    int64
	Config   map[kv.Identity]kv.Address
}

// HeaderFunc builds the wire header for the chunk at pairIndex; the
// caller supplies it since only the coordinator knows the current term
// and cluster ID.
type HeaderFunc func(pairIndex int64) message.Header

// SendFunc delivers one chunk. The coordinator's implementation just
// resolves the follower's address once and calls network.Send; it must
// be safe to call concurrently from multiple goroutines.
type SendFunc func(message.InstallSnapshot)

// Send streams every key/value pair in src across chunkSize-sized
// batches, compressing each batch with s2 and handing it to send.
// Batch preparation (iteration already happened up front; this bounds
// compression+send) runs with at most maxInFlight goroutines in
// flight at once via errgroup, so a snapshot to a far-behind follower
// doesn't monopolize the process compressing every batch at once.
func Send(ctx context.Context, src Source, chunkSize, maxInFlight int, header HeaderFunc, send SendFunc) error {
	if chunkSize <= 0 {
		chunkSize = 256
	}
	if maxInFlight <= 0 {
		maxInFlight = 4
	}

	var batches [][]kv.Put
	var current []kv.Put
	err := src.Snapshot.Iterate(kv.Range{}, func(key kv.Key, value []byte) bool {
		current = append(current, kv.Put{Key: key.Clone(), Value: append([]byte{}, value...)})
		if len(current) >= chunkSize {
			batches = append(batches, current)
			current = nil
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("snapshot: reading source: %w", err)
	}
	if len(current) > 0 || len(batches) == 0 {
		batches = append(batches, current)
	}

	configEntries := make([]message.ConfigEntry, 0, len(src.Config))
	for id, addr := range src.Config {
		configEntries = append(configEntries, message.ConfigEntry{Identity: id, Address: addr})
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInFlight)
	for i, batch := range batches {
		i, batch := i, batch
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			data, err := encodePairs(batch)
			if err != nil {
				return err
			}
			msg := message.InstallSnapshot{
				Header:        header(int64(i)),
				SnapshotTerm:  src.Term,
				SnapshotIndex: src.Index,
				PairIndex:     int64(i),
				Data:          s2.Encode(nil, data),
				LastChunk:     i == len(batches)-1,
			}
			if i == 0 {
				msg.SnapshotConfig = configEntries
			}
			send(msg)
			return nil
		})
	}
	return g.Wait()
}

// Receiver drives one inbound InstallSnapshot transfer on the follower
// side. It is not safe for concurrent use; the coordinator's dispatcher
// goroutine owns it exclusively, same as every other piece of role
// state.
type Receiver struct {
	store store.Store

	term, index int64
	config      []kv.ConfigChange

	started  bool
	total    int64 // -1 until the last chunk has been seen
	received map[int64]bool
}

// NewReceiver returns a Receiver that writes into st.
func NewReceiver(st store.Store) *Receiver {
	return &Receiver{store: st, total: -1, received: make(map[int64]bool)}
}

// HandleChunk ingests one chunk. It reports done=true once every chunk
// through the last has arrived and the flip-flop commit has completed,
// at which point the Receiver is spent and a new one must be created
// for any subsequent transfer.
func (r *Receiver) HandleChunk(msg message.InstallSnapshot) (done bool, err error) {
	if !r.started {
		if err := r.store.InstallSnapshotBegin(); err != nil {
			return false, fmt.Errorf("snapshot: begin: %w", err)
		}
		r.started = true
		r.term, r.index = msg.SnapshotTerm, msg.SnapshotIndex
		for _, e := range msg.SnapshotConfig {
			r.config = append(r.config, kv.ConfigChange{Identity: e.Identity, Address: &e.Address})
		}
	}
	if msg.SnapshotTerm != r.term || msg.SnapshotIndex != r.index {
		return false, fmt.Errorf("snapshot: chunk %d belongs to a different transfer (term %d/index %d, expected %d/%d)",
			msg.PairIndex, msg.SnapshotTerm, msg.SnapshotIndex, r.term, r.index)
	}
	if r.received[msg.PairIndex] {
		return r.maybeCommit()
	}

	data, err := s2.Decode(nil, msg.Data)
	if err != nil {
		return false, fmt.Errorf("snapshot: decompress chunk %d: %w", msg.PairIndex, err)
	}
	pairs, err := decodePairs(data)
	if err != nil {
		return false, fmt.Errorf("snapshot: decode chunk %d: %w", msg.PairIndex, err)
	}
	if err := r.store.WriteSnapshotPairs(pairs); err != nil {
		return false, fmt.Errorf("snapshot: write chunk %d: %w", msg.PairIndex, err)
	}
	r.received[msg.PairIndex] = true
	if msg.LastChunk {
		r.total = msg.PairIndex + 1
	}
	return r.maybeCommit()
}

func (r *Receiver) maybeCommit() (bool, error) {
	if r.total < 0 || int64(len(r.received)) < r.total {
		return false, nil
	}
	if err := r.store.InstallSnapshotCommit(r.term, r.index, r.config); err != nil {
		return false, fmt.Errorf("snapshot: commit: %w", err)
	}
	return true, nil
}

func encodePairs(pairs []kv.Put) ([]byte, error) {
	out := codec.EncodeUint32(uint32(len(pairs)))
	for _, p := range pairs {
		out = append(out, codec.EncodeUint32(uint32(len(p.Key)))...)
		out = append(out, p.Key...)
		out = append(out, codec.EncodeUint32(uint32(len(p.Value)))...)
		out = append(out, p.Value...)
	}
	return out, nil
}

func decodePairs(b []byte) ([]kv.Put, error) {
	n, used, err := codec.DecodeUint32(b)
	if err != nil {
		return nil, err
	}
	b = b[used:]
	out := make([]kv.Put, 0, n)
	for i := uint32(0); i < n; i++ {
		klen, u, err := codec.DecodeUint32(b)
		if err != nil {
			return nil, err
		}
		b = b[u:]
		if uint32(len(b)) < klen {
			return nil, fmt.Errorf("snapshot: truncated key in pair %d", i)
		}
		key := append(kv.Key{}, b[:klen]...)
		b = b[klen:]

		vlen, u, err := codec.DecodeUint32(b)
		if err != nil {
			return nil, err
		}
		b = b[u:]
		if uint32(len(b)) < vlen {
			return nil, fmt.Errorf("snapshot: truncated value in pair %d", i)
		}
		value := append([]byte{}, b[:vlen]...)
		b = b[vlen:]

		out = append(out, kv.Put{Key: key, Value: value})
	}
	return out, nil
}
