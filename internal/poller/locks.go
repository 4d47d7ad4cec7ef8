package poller

import "sync"

// LockTable hands out one mutex per key. Entries are reference counted and
// removed when the last holder or waiter releases, so the table only holds
// keys that are in use.
type LockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func NewLockTable() *LockTable {
	return &LockTable{entries: make(map[string]*lockEntry)}
}

// Lock blocks until key is free and returns the function that releases it.
// Calling the release function more than once is a no-op.
func (t *LockTable) Lock(key string) (unlock func()) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &lockEntry{}
		t.entries[key] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()
	return t.release(key, e)
}

// TryLock acquires key only if nobody holds or waits for it.
func (t *LockTable) TryLock(key string) (unlock func(), ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.entries[key]; busy {
		return nil, false
	}
	e := &lockEntry{refs: 1}
	e.mu.Lock()
	t.entries[key] = e
	return t.release(key, e), true
}

func (t *LockTable) release(key string, e *lockEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			t.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(t.entries, key)
			}
			t.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently held or awaited.
func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Held reports whether key is currently held or awaited.
func (t *LockTable) Held(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	return ok
}
