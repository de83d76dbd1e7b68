package mailbox

import "sync"

// Registry is the mailbox hash table: a fixed array of bucket chains,
// hashed by the sum of a name's character codes modulo the table
// size. Entries are never removed and the table is never resized
// (spec.md §4.2). Buckets are doubly-linked for queue-style unlink
// symmetry with Mailbox, but registry chains are only ever appended
// to — nothing is removed from a bucket.
type Registry struct {
	mu      sync.Mutex
	buckets []*Mailbox
}

// NewRegistry allocates a registry with the given bucket count (the
// spec's LIST_SIZE).
func NewRegistry(size int) *Registry {
	return &Registry{buckets: make([]*Mailbox, size)}
}

// Hash computes the bucket index for name: the sum of its byte values
// modulo the table size, matching original_source/yamsd.c's
// mbox_hash.
func (r *Registry) Hash(name string) int {
	sum := 0
	for i := 0; i < len(name); i++ {
		sum += int(name[i])
	}
	return sum % len(r.buckets)
}

// Register returns the mailbox named name, creating it (and its
// bucket chain entry) if it does not already exist. Mirrors
// original_source/yamsd.c's register_mbox: new bucket head if empty,
// else walk the chain and append on total miss, tie-breaking on FIFO
// insertion order. This resolves spec.md §9 Open Question (a): the
// chain walk always advances on a name mismatch rather than looping
// forever, since DESIGN.md finds the terminating behavior is the one
// ipc_messaging.c's find_mbox/get_mbox actually implement.
func (r *Registry) Register(name string) *Mailbox {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.Hash(name)
	head := r.buckets[h]
	if head == nil {
		mb := &Mailbox{Name: name}
		r.buckets[h] = mb
		return mb
	}

	tail := head
	for {
		if tail.Name == name {
			return tail
		}
		if tail.next == nil {
			break
		}
		tail = tail.next
	}

	mb := &Mailbox{Name: name, prev: tail}
	tail.next = mb
	return mb
}

// FindPosition returns the zero-based index of name within its bucket
// chain, or -1 if absent. Mirrors ipc_messaging.c's find_mbox.
func (r *Registry) FindPosition(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	head := r.buckets[r.Hash(name)]
	pos := 0
	for cur := head; cur != nil; cur = cur.next {
		if cur.Name == name {
			return pos
		}
		pos++
	}
	return -1
}

// At returns the mailbox at the given position within name's bucket
// chain, or nil if the chain is shorter than that. Mirrors
// ipc_messaging.c's get_mbox_at.
func (r *Registry) At(name string, position int) *Mailbox {
	r.mu.Lock()
	defer r.mu.Unlock()

	head := r.buckets[r.Hash(name)]
	cur := head
	pos := 0
	for cur != nil && pos < position {
		cur = cur.next
		pos++
	}
	return cur
}

// Count returns the total number of registered mailboxes, used for
// the registry-size metric.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, head := range r.buckets {
		for cur := head; cur != nil; cur = cur.next {
			n++
		}
	}
	return n
}

// Each calls fn for every registered mailbox, bucket by bucket in
// chain order. Used at daemon teardown to account for queued messages
// that do not survive a restart.
func (r *Registry) Each(fn func(mb *Mailbox)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, head := range r.buckets {
		for cur := head; cur != nil; cur = cur.next {
			fn(cur)
		}
	}
}
