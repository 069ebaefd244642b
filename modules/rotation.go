package modules

import "sync"

// Rotator cycles through a fixed set of items, one per Next call, wrapping
// around at the end. Replacing the items resets the position. Safe for
// concurrent use.
type Rotator struct {
	mu    sync.Mutex
	items []string
	idx   int
}

// NewRotator returns a rotator over items.
func NewRotator(items []string) *Rotator {
	r := &Rotator{}
	r.SetItems(items)
	return r
}

// SetItems replaces the rotation set and restarts from the beginning.
func (r *Rotator) SetItems(items []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append([]string(nil), items...)
	r.idx = 0
}

// Next returns the next item in rotation, or "" when the set is empty.
func (r *Rotator) Next() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) == 0 {
		return ""
	}
	item := r.items[r.idx]
	r.idx = (r.idx + 1) % len(r.items)
	return item
}

// Len returns the size of the rotation set.
func (r *Rotator) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
