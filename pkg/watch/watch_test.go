package watch

import (
	"testing"
	"time"

	"github.com/cuemby/raftkv/pkg/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchFiresOnMatchingKey(t *testing.T) {
	tr := New()
	w := tr.Register(kv.Key("w"))

	tr.FireMutations(kv.MutationSet{kv.Put{Key: kv.Key("w"), Value: []byte("v")}})

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("watch did not fire on matching write")
	}
}

func TestWatchDoesNotFireOnOtherKey(t *testing.T) {
	tr := New()
	w := tr.Register(kv.Key("w"))

	tr.FireMutations(kv.MutationSet{kv.Put{Key: kv.Key("other"), Value: []byte("v")}})

	select {
	case <-w.Done():
		t.Fatal("watch fired on a non-matching key")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, 1, tr.Len())
}

func TestWatchFiresExactlyOnce(t *testing.T) {
	tr := New()
	w := tr.Register(kv.Key("w"))

	tr.FireMutations(kv.MutationSet{kv.Put{Key: kv.Key("w"), Value: []byte("v1")}})
	<-w.Done()

	// A second write to the same key must not panic on an already-closed
	// channel and must not re-fire a removed watch.
	tr.FireMutations(kv.MutationSet{kv.Put{Key: kv.Key("w"), Value: []byte("v2")}})
	require.Equal(t, 0, tr.Len())
}

func TestCancelDeregistersWithoutFiringOthers(t *testing.T) {
	tr := New()
	w1 := tr.Register(kv.Key("w"))
	w2 := tr.Register(kv.Key("w"))

	w1.Cancel()
	assert.Equal(t, 1, tr.Len())

	tr.FireMutations(kv.MutationSet{kv.Put{Key: kv.Key("w"), Value: []byte("v")}})
	select {
	case <-w2.Done():
	case <-time.After(time.Second):
		t.Fatal("second watch on same key should still fire")
	}
}

func TestFireMatchesRangeRemove(t *testing.T) {
	tr := New()
	w := tr.Register(kv.Key("m"))
	tr.FireMutations(kv.MutationSet{kv.RemoveRange{Range: kv.Range{Start: kv.Key("a"), End: kv.Key("z")}}})

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("watch did not fire on a range-remove covering its key")
	}
}
