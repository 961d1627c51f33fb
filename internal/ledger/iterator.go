package ledger

import "context"

const defaultPageSize = 200

// Iterator walks a wallet's entries in sequence order, fetching one page at a
// time. Cursor reports the last sequence yielded so a walk can resume later.
type Iterator struct {
	store    Store
	walletID string
	pageSize int

	cursor int64
	page   []Entry
	pos    int
	done   bool
	err    error
}

// Iterate starts a lazy walk after the given sequence.
func Iterate(store Store, walletID string, after int64, pageSize int) *Iterator {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Iterator{store: store, walletID: walletID, pageSize: pageSize, cursor: after}
}

// Next advances to the next entry, loading a page when needed.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if it.pos < len(it.page) {
		it.cursor = it.page[it.pos].Sequence
		it.pos++
		return true
	}
	if it.done {
		return false
	}

	page, err := it.store.ListEntries(ctx, it.walletID, Range{AfterSequence: it.cursor, Limit: it.pageSize})
	if err != nil {
		it.err = err
		return false
	}
	if len(page) < it.pageSize {
		it.done = true
	}
	if len(page) == 0 {
		return false
	}
	it.page, it.pos = page, 1
	it.cursor = page[0].Sequence
	return true
}

// Entry returns the entry at the current position.
func (it *Iterator) Entry() Entry {
	if it.pos == 0 || it.pos > len(it.page) {
		return Entry{}
	}
	return it.page[it.pos-1]
}

// Cursor is the sequence of the last entry returned by Next.
func (it *Iterator) Cursor() int64 {
	return it.cursor
}

// Err reports the first storage error encountered.
func (it *Iterator) Err() error {
	return it.err
}

// Fold sums every entry after the given sequence and returns the total and the
// last sequence seen.
func Fold(ctx context.Context, store Store, walletID string, after int64) (int64, int64, error) {
	it := Iterate(store, walletID, after, 0)
	var total int64
	for it.Next(ctx) {
		total += it.Entry().Amount
	}
	return total, it.Cursor(), it.Err()
}
