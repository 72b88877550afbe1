// Package raftlog manages the on-disk sequence of Raft log entries: one
// file per entry, loaded at startup, appended durably as new entries
// replicate, and trimmed from both ends as entries are applied and as
// conflicting tails get discarded (spec.md §4.3).
package raftlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/raftkv/pkg/codec"
	"github.com/cuemby/raftkv/pkg/kv"
	"github.com/cuemby/raftkv/pkg/log"
)

// Entry is one replicated unit: a set of mutations and, optionally, a
// single cluster membership change.
type Entry struct {
	Term         int64
	Index        int64
	Mutations    kv.MutationSet
	ConfigChange *kv.ConfigChange
}

func (e *Entry) encode() []byte {
	out := codec.EncodeInt64(e.Term)
	out = append(out, codec.EncodeInt64(e.Index)...)
	out = append(out, e.Mutations.Encode()...)
	if e.ConfigChange != nil {
		out = append(out, 1)
		out = append(out, e.ConfigChange.Encode()...)
	} else {
		out = append(out, 0)
	}
	return out
}

func decodeEntry(b []byte) (*Entry, error) {
	term, u1, err := codec.DecodeInt64(b)
	if err != nil {
		return nil, fmt.Errorf("raftlog: term: %w", err)
	}
	b = b[u1:]
	index, u2, err := codec.DecodeInt64(b)
	if err != nil {
		return nil, fmt.Errorf("raftlog: index: %w", err)
	}
	b = b[u2:]
	mutations, err := kv.DecodeMutationSet(b)
	if err != nil {
		return nil, fmt.Errorf("raftlog: mutations: %w", err)
	}
	// re-derive how many bytes the mutation set consumed by re-encoding;
	// cheaper than threading a byte count back out of DecodeMutationSet.
	consumed := len(mutations.Encode())
	b = b[consumed:]
	if len(b) < 1 {
		return nil, fmt.Errorf("raftlog: truncated entry: missing config-change flag")
	}
	var cc *kv.ConfigChange
	if b[0] == 1 {
		v, _, err := kv.DecodeConfigChange(b[1:])
		if err != nil {
			return nil, fmt.Errorf("raftlog: config change: %w", err)
		}
		cc = &v
	}
	return &Entry{Term: term, Index: index, Mutations: mutations, ConfigChange: cc}, nil
}

const filenamePattern = "log-%019d-%019d.bin"

func entryFilename(index, term int64) string {
	return fmt.Sprintf(filenamePattern, index, term)
}

func pendingMutationFilename(index int64) string {
	return fmt.Sprintf("tx-%019d.tmp", index)
}

// Log is the ordered, file-backed sequence of retained entries: applied
// entries not yet trimmed by DiscardAppliedLogEntries, followed by the
// entries still pending application.
type Log struct {
	dir     string
	entries []*Entry // sorted by Index, contiguous

	lastAppliedTerm   int64
	lastAppliedIndex  int64
	lastAppliedConfig []kv.ConfigChange // membership as of lastAppliedIndex, replayed in order
}

// LoadFromDirectory scans dir for persisted log entry files, discards any
// non-contiguous or invalid tail, and returns a Log ready to serve reads
// starting just after (appliedIndex, appliedTerm) — the durable
// checkpoint the state machine store itself reports. Leftover *.tmp
// files from an interrupted append or a discarded transaction's pending
// mutation buffer are deleted.
func LoadFromDirectory(dir string, appliedIndex, appliedTerm int64, appliedConfig []kv.ConfigChange) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("raftlog: create directory: %w", err)
	}
	infos, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("raftlog: read directory: %w", err)
	}

	type found struct {
		index, term int64
		name        string
	}
	var files []found
	for _, fi := range infos {
		name := fi.Name()
		if strings.HasSuffix(name, ".tmp") {
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("raftlog: remove stale temp file %s: %w", name, err)
			}
			continue
		}
		if !strings.HasPrefix(name, "log-") || !strings.HasSuffix(name, ".bin") {
			continue
		}
		parts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(name, "log-"), ".bin"), "-")
		if len(parts) != 2 {
			continue
		}
		index, err1 := strconv.ParseInt(parts[0], 10, 64)
		term, err2 := strconv.ParseInt(parts[1], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		files = append(files, found{index: index, term: term, name: name})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].index < files[j].index })

	l := &Log{dir: dir, lastAppliedTerm: appliedTerm, lastAppliedIndex: appliedIndex, lastAppliedConfig: appliedConfig}

	expectedNext := appliedIndex + 1
	minTerm := appliedTerm
	var kept []*Entry
	for _, f := range files {
		if f.index <= appliedIndex {
			// Already applied and reflected in the store (a retained
			// applied entry); not reloaded, and deleted below.
			continue
		}
		if f.index != expectedNext {
			log.Warn("raftlog: discarding non-contiguous log tail starting at %s", f.name)
			break
		}
		if f.term < minTerm {
			log.Warn("raftlog: discarding log tail with decreasing term at %s", f.name)
			break
		}
		data, err := os.ReadFile(filepath.Join(dir, f.name))
		if err != nil {
			return nil, fmt.Errorf("raftlog: read %s: %w", f.name, err)
		}
		entry, err := decodeEntry(data)
		if err != nil {
			log.Warn("raftlog: discarding corrupt entry %s: %v", f.name, err)
			break
		}
		if entry.Index != f.index || entry.Term != f.term {
			log.Warn("raftlog: discarding entry %s whose contents disagree with its filename", f.name)
			break
		}
		kept = append(kept, entry)
		minTerm = f.term
		expectedNext++
	}

	// Remove any files beyond the kept contiguous prefix (non-contiguous
	// tails, decreasing terms, corrupt entries) so a later append never
	// collides with orphaned data.
	keptNames := make(map[string]bool, len(kept))
	for _, e := range kept {
		keptNames[entryFilename(e.Index, e.Term)] = true
	}
	for _, f := range files {
		if !keptNames[f.name] {
			if err := os.Remove(filepath.Join(dir, f.name)); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("raftlog: remove discarded entry %s: %w", f.name, err)
			}
		}
	}

	l.entries = kept
	return l, nil
}

// AppendEntry durably persists a new entry one past the current last
// index, writing to a temp file, fsyncing it, atomically renaming it
// into place, and fsyncing the directory so the rename itself survives
// a crash.
func (l *Log) AppendEntry(term int64, mutations kv.MutationSet, configChange *kv.ConfigChange) (*Entry, error) {
	index := l.LastIndex() + 1
	entry := &Entry{Term: term, Index: index, Mutations: mutations, ConfigChange: configChange}

	finalName := entryFilename(index, term)
	tmpName := finalName + ".tmp"
	tmpPath := filepath.Join(l.dir, tmpName)
	finalPath := filepath.Join(l.dir, finalName)

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("raftlog: create temp entry file: %w", err)
	}
	if _, err := f.Write(entry.encode()); err != nil {
		f.Close()
		return nil, fmt.Errorf("raftlog: write entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("raftlog: fsync entry: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("raftlog: close entry: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, fmt.Errorf("raftlog: rename entry into place: %w", err)
	}
	if err := fsyncDir(l.dir); err != nil {
		return nil, fmt.Errorf("raftlog: fsync directory: %w", err)
	}

	l.entries = append(l.entries, entry)
	return entry, nil
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// DiscardLogEntriesFrom removes every entry at or above index, deleting
// their backing files. It also removes any pending-mutation temp file a
// transaction left behind for an entry in the discarded range — those
// entries can never be committed now, so their buffered writes have no
// future use.
func (l *Log) DiscardLogEntriesFrom(index int64) error {
	keep := l.entries[:0:0]
	var discard []*Entry
	for _, e := range l.entries {
		if e.Index >= index {
			discard = append(discard, e)
		} else {
			keep = append(keep, e)
		}
	}
	for _, e := range discard {
		path := filepath.Join(l.dir, entryFilename(e.Index, e.Term))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("raftlog: discard entry %d: %w", e.Index, err)
		}
		pending := filepath.Join(l.dir, pendingMutationFilename(e.Index))
		if err := os.Remove(pending); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("raftlog: discard pending mutation file for entry %d: %w", e.Index, err)
		}
	}
	l.entries = keep
	return nil
}

// ApplyNextLogEntry advances the last-applied pointer by one entry and
// returns it, so the caller can hand its mutations to the state machine
// store. It is an error to call this when every loaded entry has
// already been applied.
func (l *Log) ApplyNextLogEntry() (*Entry, error) {
	next := l.lastAppliedIndex + 1
	entry, err := l.EntryAtIndex(next)
	if err != nil {
		return nil, err
	}
	l.lastAppliedIndex = entry.Index
	l.lastAppliedTerm = entry.Term
	if entry.ConfigChange != nil {
		l.lastAppliedConfig = append(append([]kv.ConfigChange{}, l.lastAppliedConfig...), *entry.ConfigChange)
	}
	return entry, nil
}

// DiscardAppliedLogEntries removes the backing files (and in-memory
// records) of every applied entry at or below upTo. upTo must not
// exceed the last-applied index.
func (l *Log) DiscardAppliedLogEntries(upTo int64) error {
	if upTo > l.lastAppliedIndex {
		return fmt.Errorf("raftlog: cannot discard unapplied entry %d (last applied %d)", upTo, l.lastAppliedIndex)
	}
	var kept []*Entry
	for _, e := range l.entries {
		if e.Index <= upTo {
			path := filepath.Join(l.dir, entryFilename(e.Index, e.Term))
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("raftlog: discard applied entry %d: %w", e.Index, err)
			}
			continue
		}
		kept = append(kept, e)
	}
	l.entries = kept
	return nil
}

// ResetToSnapshot discards every locally held entry and adopts
// (term, index, config) as the new applied checkpoint, used once a
// follower finishes installing a leader snapshot that supersedes
// whatever log tail it had (spec.md §4.7). Any entries this Log held
// are now meaningless: the snapshot already reflects their effects, if
// they were ever going to be committed at all.
func (l *Log) ResetToSnapshot(term, index int64, config []kv.ConfigChange) error {
	for _, e := range l.entries {
		path := filepath.Join(l.dir, entryFilename(e.Index, e.Term))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("raftlog: discard entry %d during snapshot reset: %w", e.Index, err)
		}
	}
	l.entries = nil
	l.lastAppliedTerm = term
	l.lastAppliedIndex = index
	l.lastAppliedConfig = append([]kv.ConfigChange{}, config...)
	return nil
}

// BuildCurrentConfig replays lastAppliedConfig followed by every
// uncommitted config change still held in memory, producing the
// currently effective cluster membership as identity -> address (a nil
// address in the replay stream removes the identity).
func (l *Log) BuildCurrentConfig() map[kv.Identity]kv.Address {
	out := make(map[kv.Identity]kv.Address)
	apply := func(cc kv.ConfigChange) {
		if cc.IsRemoval() {
			delete(out, cc.Identity)
			return
		}
		out[cc.Identity] = *cc.Address
	}
	for _, cc := range l.lastAppliedConfig {
		apply(cc)
	}
	for _, e := range l.entries {
		if e.ConfigChange != nil {
			apply(*e.ConfigChange)
		}
	}
	return out
}

// TermAtIndex returns the term of the entry at index, failing if index
// predates everything this Log retains.
func (l *Log) TermAtIndex(index int64) (int64, error) {
	if index == l.lastAppliedIndex {
		return l.lastAppliedTerm, nil
	}
	e, err := l.EntryAtIndex(index)
	if err == nil {
		return e.Term, nil
	}
	if index < l.lastAppliedIndex {
		return 0, fmt.Errorf("raftlog: index %d predates retained log (applied=%d)", index, l.lastAppliedIndex)
	}
	return 0, err
}

// EntryAtIndex returns the entry at index.
func (l *Log) EntryAtIndex(index int64) (*Entry, error) {
	if len(l.entries) == 0 {
		return nil, fmt.Errorf("raftlog: index %d not present (log empty above %d)", index, l.lastAppliedIndex)
	}
	first := l.entries[0].Index
	offset := index - first
	if offset < 0 || offset >= int64(len(l.entries)) {
		return nil, fmt.Errorf("raftlog: index %d out of range [%d,%d]", index, first, l.LastIndex())
	}
	return l.entries[offset], nil
}

// LastIndex returns the highest index this Log holds, applied or not.
func (l *Log) LastIndex() int64 {
	if len(l.entries) == 0 {
		return l.lastAppliedIndex
	}
	return l.entries[len(l.entries)-1].Index
}

// LastTerm returns the term of the highest-indexed entry this Log holds.
func (l *Log) LastTerm() int64 {
	if len(l.entries) == 0 {
		return l.lastAppliedTerm
	}
	return l.entries[len(l.entries)-1].Term
}

// EarliestIndex returns the lowest index this Log still retains an
// entry for, used to decide whether a straggling follower can still be
// caught up from the log or needs a full snapshot (spec.md §4.7).
func (l *Log) EarliestIndex() int64 {
	if len(l.entries) == 0 {
		return l.lastAppliedIndex + 1
	}
	return l.entries[0].Index
}

// LastAppliedIndex returns the highest index applied to the state
// machine store.
func (l *Log) LastAppliedIndex() int64 { return l.lastAppliedIndex }

// LastAppliedTerm returns the term of the highest applied index.
func (l *Log) LastAppliedTerm() int64 { return l.lastAppliedTerm }
