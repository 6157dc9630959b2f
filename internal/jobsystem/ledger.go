package jobsystem

import "sync"

// ledger is the append-only history of every job ever submitted, indexed by JobID.
type ledger struct {
	mu      sync.Mutex
	entries []HistoryEntry
}

func (l *ledger) appendLocked(typ int) JobID {
	l.entries = append(l.entries, HistoryEntry{Type: typ, Status: StatusQueued})
	return JobID(len(l.entries) - 1)
}

// advanceLocked moves id from one status to the next. It reports false (and
// changes nothing) when id is out of range or not currently in from.
func (l *ledger) advanceLocked(id JobID, from, to Status) bool {
	if id < 0 || int64(id) >= int64(len(l.entries)) {
		return false
	}
	e := &l.entries[id]
	if e.Status != from || to != from+1 {
		return false
	}
	e.Status = to
	return true
}

func (l *ledger) get(id JobID) (HistoryEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id < 0 || int64(id) >= int64(len(l.entries)) {
		return HistoryEntry{}, false
	}
	return l.entries[id], true
}

func (l *ledger) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *ledger) release() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

// jobQueue is an insertion-ordered list of records guarded by its own mutex.
// Methods with a Locked suffix expect the caller to hold mu.
type jobQueue struct {
	mu    sync.Mutex
	items []*record
}

func (q *jobQueue) pushLocked(r *record) {
	q.items = append(q.items, r)
}

// takeFirstLocked removes and returns the earliest record matching fn along
// with the index it held, or nil and -1.
func (q *jobQueue) takeFirstLocked(fn func(*record) bool) (*record, int) {
	for i, r := range q.items {
		if fn(r) {
			q.removeAtLocked(i)
			return r, i
		}
	}
	return nil, -1
}

// insertAtLocked puts r back at index i, undoing a takeFirstLocked.
func (q *jobQueue) insertAtLocked(i int, r *record) {
	if i < 0 || i > len(q.items) {
		i = len(q.items)
	}
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = r
}

func (q *jobQueue) removeLocked(target *record) bool {
	for i, r := range q.items {
		if r == target {
			q.removeAtLocked(i)
			return true
		}
	}
	return false
}

func (q *jobQueue) takeIDLocked(id JobID) *record {
	r, _ := q.takeFirstLocked(func(r *record) bool { return r.id == id })
	return r
}

func (q *jobQueue) removeAtLocked(i int) {
	copy(q.items[i:], q.items[i+1:])
	q.items[len(q.items)-1] = nil
	q.items = q.items[:len(q.items)-1]
}

// swapLocked hands the whole queue to the caller and leaves it empty.
func (q *jobQueue) swapLocked() []*record {
	out := q.items
	q.items = nil
	return out
}

func (q *jobQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *jobQueue) contains(id JobID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.items {
		if r.id == id {
			return true
		}
	}
	return false
}
