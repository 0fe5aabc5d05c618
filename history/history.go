// Package history records every structural change to a transaction record as
// an ordered list of patch entries and replays them to rebuild any prior state.
//
// The first entry of a history always holds a full snapshot. Every later entry
// holds the operations that turn the replay of all previous entries into the
// state observed when the entry was appended.
package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyHistory is returned when replaying a history with no baseline
	ErrEmptyHistory = fmt.Errorf("history has no baseline snapshot")
	// ErrBadPath is returned when an operation points to a location that does not exist
	ErrBadPath = fmt.Errorf("patch path does not exist")
)

// Entry is one element of a record history.
type Entry struct {
	// Snapshot is only set on the baseline entry
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
	// Ops are the operations relative to the replay of the previous entries
	Ops []Op `json:"ops,omitempty"`
}

// IsSnapshot reports whether the entry is a baseline entry.
func (e Entry) IsSnapshot() bool {
	return len(e.Snapshot) > 0
}

// Note returns the note stamped on the first operation of the entry.
func (e Entry) Note() string {
	if len(e.Ops) == 0 {
		return ""
	}
	return e.Ops[0].Note
}

// Snapshot builds a baseline entry from any JSON serializable value.
func Snapshot(v any) (Entry, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Entry{}, fmt.Errorf("couldn't serialize snapshot: %w", err)
	}
	compact := &bytes.Buffer{}
	if err := json.Compact(compact, raw); err != nil {
		return Entry{}, fmt.Errorf("couldn't compact snapshot: %w", err)
	}
	return Entry{Snapshot: compact.Bytes()}, nil
}

// RecordChange appends a diff entry describing how v differs from the replay of
// entries. If entries is empty the baseline snapshot is created instead.
// It returns the (possibly unchanged) history and whether an entry was appended.
func RecordChange(entries []Entry, v any, note string, now time.Time) ([]Entry, bool, error) {
	if len(entries) == 0 {
		base, err := Snapshot(v)
		if err != nil {
			return entries, false, err
		}
		return []Entry{base}, true, nil
	}

	prev, err := Replay(entries)
	if err != nil {
		return entries, false, err
	}
	cur, err := toTree(v)
	if err != nil {
		return entries, false, err
	}

	ops, err := Diff(prev, cur)
	if err != nil {
		return entries, false, err
	}
	if len(ops) == 0 {
		return entries, false, nil
	}

	ops[0].Note = note
	ops[0].Timestamp = now.UnixMilli()

	out := make([]Entry, len(entries), len(entries)+1)
	copy(out, entries)
	return append(out, Entry{Ops: ops}), true, nil
}

// Replay folds all entries from the baseline forward and returns the resulting
// JSON tree. Each step works on a fresh deep clone of the previous state.
func Replay(entries []Entry) (any, error) {
	return ReplayN(entries, len(entries))
}

// ReplayN replays only the first n entries.
func ReplayN(entries []Entry, n int) (any, error) {
	if len(entries) == 0 || !entries[0].IsSnapshot() {
		return nil, ErrEmptyHistory
	}
	if n <= 0 || n > len(entries) {
		return nil, fmt.Errorf("replay index %d out of range [1, %d]", n, len(entries))
	}

	state, err := decodeTree(entries[0].Snapshot)
	if err != nil {
		return nil, err
	}
	for i := 1; i < n; i++ {
		state, err = Apply(state, entries[i].Ops)
		if err != nil {
			return nil, errors.Join(err, fmt.Errorf("couldn't apply history entry %d", i))
		}
	}
	return state, nil
}

// ReplayInto replays the first n entries and decodes the result into target.
func ReplayInto(entries []Entry, n int, target any) error {
	state, err := ReplayN(entries, n)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("couldn't serialize replayed state: %w", err)
	}
	return json.Unmarshal(raw, target)
}

func toTree(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("couldn't serialize value: %w", err)
	}
	return decodeTree(raw)
}

// decodeTree keeps numbers as json.Number so replay never goes through float64.
func decodeTree(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("couldn't decode json tree: %w", err)
	}
	return tree, nil
}
