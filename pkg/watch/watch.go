// Package watch tracks client key watches: one-shot futures that fire
// exactly once, the first time a committed log entry touches their key
// on this peer (spec.md §2 item 11, §8 scenario 6).
package watch

import (
	"sync"

	"github.com/cuemby/raftkv/pkg/kv"
)

// Watch is a one-shot future completed the first time its key is
// touched by a committed mutation.
type Watch struct {
	key  string
	done chan struct{}

	once   sync.Once
	cancel func(*Watch)
}

// Done returns a channel closed exactly once, when the watched key is
// next touched by a committed write, or when Cancel is called.
func (w *Watch) Done() <-chan struct{} { return w.done }

// Cancel deregisters the watch without firing it. Safe to call after
// the watch has already fired.
func (w *Watch) Cancel() {
	w.once.Do(func() {
		close(w.done)
		if w.cancel != nil {
			w.cancel(w)
		}
	})
}

func (w *Watch) fire() {
	w.once.Do(func() {
		close(w.done)
	})
}

// Tracker registers and fires key watches. A Tracker is safe for
// concurrent use; FireMutations is expected to be called from the single
// dispatcher goroutine as log entries commit.
type Tracker struct {
	mu    sync.Mutex
	byKey map[string][]*Watch
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{byKey: make(map[string][]*Watch)}
}

// Register returns a new Watch on key. The caller must read Done() (or
// call Cancel) to avoid leaking the registration if it loses interest.
func (t *Tracker) Register(key kv.Key) *Watch {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := &Watch{key: string(key), done: make(chan struct{})}
	w.cancel = t.remove
	t.byKey[w.key] = append(t.byKey[w.key], w)
	return w
}

func (t *Tracker) remove(w *Watch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.byKey[w.key]
	for i, cand := range list {
		if cand == w {
			t.byKey[w.key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(t.byKey[w.key]) == 0 {
		delete(t.byKey, w.key)
	}
}

// FireMutations fires every watch registered on a key touched by any
// mutation in the set, called once per committed log entry.
func (t *Tracker) FireMutations(mutations kv.MutationSet) {
	t.mu.Lock()
	if len(t.byKey) == 0 || len(mutations) == 0 {
		t.mu.Unlock()
		return
	}
	var fired []*Watch
	for key, watches := range t.byKey {
		touched := false
		for _, m := range mutations {
			if m.AffectsRange(kv.Single(kv.Key(key))) {
				touched = true
				break
			}
		}
		if touched {
			fired = append(fired, watches...)
			delete(t.byKey, key)
		}
	}
	t.mu.Unlock()

	for _, w := range fired {
		w.fire()
	}
}

// Len reports how many keys currently have at least one registered
// watch, for diagnostics and tests.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byKey)
}
