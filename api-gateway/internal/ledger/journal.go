package ledger

import "context"

// txMark records where a transaction started in the undo journal and in the
// pending event queue.
type txMark struct {
	undo   int
	events int
}

// begin opens a transaction. Only one is ever open: operations called while a
// transfer is in flight are rejected before they get here.
func (l *Ledger) begin() txMark {
	l.inFlight = true
	return txMark{undo: len(l.undo), events: len(l.pending)}
}

// finish closes the transaction opened at m. On error every change made since
// m is undone and its events are dropped. On success pending events are
// flushed to the notifier.
func (l *Ledger) finish(ctx context.Context, m txMark, err error) error {
	l.inFlight = false
	if err != nil {
		for i := len(l.undo) - 1; i >= m.undo; i-- {
			l.undo[i]()
		}
		l.undo = l.undo[:m.undo]
		l.pending = l.pending[:m.events]
		return err
	}

	events := l.pending
	l.pending = nil
	l.undo = l.undo[:0]
	for _, e := range events {
		l.notifier.Notify(ctx, e)
	}
	return nil
}

func (l *Ledger) emit(e Event) {
	l.pending = append(l.pending, e)
}

func (l *Ledger) appendListing(lst *Listing) {
	l.listings = append(l.listings, lst)
	n := len(l.listings) - 1
	l.undo = append(l.undo, func() {
		l.listings[n] = nil
		l.listings = l.listings[:n]
	})
}

func (l *Ledger) updateListing(lst *Listing, fn func(*Listing)) {
	prev := *lst
	l.undo = append(l.undo, func() { *lst = prev })
	fn(lst)
}

func (l *Ledger) setEscrow(k escrowKey, v int64) {
	prev, ok := l.escrow[k]
	l.undo = append(l.undo, func() {
		if ok {
			l.escrow[k] = prev
		} else {
			delete(l.escrow, k)
		}
	})
	if v == 0 {
		delete(l.escrow, k)
		return
	}
	l.escrow[k] = v
}

func (l *Ledger) addTotal(m map[uint64]int64, id uint64, delta int64) {
	prev := m[id]
	l.undo = append(l.undo, func() { m[id] = prev })
	m[id] = prev + delta
}
