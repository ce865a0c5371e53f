// Package oplog is a durable, append-only log of committed ledger operations.
//
// The ledger lives in memory; on start-up the gateway replays this log to
// rebuild it. Operations are logged before they run and discarded if
// rejected. Entries are stored in pebble under "op/<seq>" with a zero-padded
// sequence so that iteration order is commit order.
package oplog

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
)

// Op names a ledger operation.
type Op string

const (
	OpList     Op = "list"
	OpBid      Op = "bid"
	OpWithdraw Op = "withdraw"
)

// Entry is one committed operation with the inputs needed to re-apply it.
type Entry struct {
	Seq             uint64    `json:"seq"`
	Op              Op        `json:"op"`
	Caller          string    `json:"caller"`
	ListingID       uint64    `json:"listing_id"`
	ItemName        string    `json:"item_name,omitempty"`
	DurationSeconds int64     `json:"duration_seconds,omitempty"`
	Amount          int64     `json:"amount,omitempty"`
	At              time.Time `json:"at"`
}

const keyPrefix = "op/"

// Log is the pebble-backed operation log.
type Log struct {
	db      *pebble.DB
	lastSeq atomic.Uint64
}

// Open opens (or creates) the log in dir.
func Open(dir string) (*Log, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open operation log: %w", err)
	}

	l := &Log{db: db}
	last, err := l.scanLastSeq()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	l.lastSeq.Store(last)
	return l, nil
}

// Append assigns the next sequence number to e and writes it synchronously.
func (l *Log) Append(e Entry) (uint64, error) {
	e.Seq = l.lastSeq.Load() + 1

	data, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("failed to encode entry: %w", err)
	}
	if err := l.db.Set(keyFor(e.Seq), data, pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to append entry %d: %w", e.Seq, err)
	}
	l.lastSeq.Store(e.Seq)
	return e.Seq, nil
}

// Discard removes the entry at seq. It is used when an operation logged ahead
// of time was then rejected. A discarded sequence is not handed out again by
// this Log, though one above the last surviving entry may be after a reopen.
func (l *Log) Discard(seq uint64) error {
	if err := l.db.Delete(keyFor(seq), pebble.Sync); err != nil {
		return fmt.Errorf("failed to discard entry %d: %w", seq, err)
	}
	return nil
}

// Replay calls fn for every entry in sequence order.
func (l *Log) Replay(fn func(Entry) error) error {
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte("op0"), // '0' sorts right after '/'
	})
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var prev uint64
	for iter.First(); iter.Valid(); iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return fmt.Errorf("corrupt entry %q: %w", iter.Key(), err)
		}
		if e.Seq <= prev {
			return fmt.Errorf("non-monotonic seq %d after %d", e.Seq, prev)
		}
		prev = e.Seq

		if err := fn(e); err != nil {
			return fmt.Errorf("replay of entry %d failed: %w", e.Seq, err)
		}
	}
	return iter.Error()
}

// LastSeq returns the sequence of the last appended entry, 0 when empty.
func (l *Log) LastSeq() uint64 {
	return l.lastSeq.Load()
}

// Close flushes and closes the log.
func (l *Log) Close() error {
	return l.db.Close()
}

func (l *Log) scanLastSeq() (uint64, error) {
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte("op0"),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	return parseKey(iter.Key())
}

func keyFor(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefix, seq))
}

func parseKey(k []byte) (uint64, error) {
	s, ok := strings.CutPrefix(string(k), keyPrefix)
	if !ok {
		return 0, errors.New("not an operation key")
	}
	return strconv.ParseUint(s, 10, 64)
}
