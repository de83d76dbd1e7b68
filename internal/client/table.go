package client

import "time"

// Table is the fixed-size array of client records, indexed by local
// PID, plus the admission cursor that hands out the next PID.
// Invariant 1 (spec.md §3): local PIDs are a permutation of 0..N-1 of
// live slots; NextPID advances modulo N and does not search for a
// free slot.
type Table struct {
	slots   []Client
	nextPID int
	liveCnt int
}

// NewTable allocates a table of the given size (the spec's LIST_SIZE)
// with every slot unreserved.
func NewTable(size int) *Table {
	t := &Table{slots: make([]Client, size)}
	for i := range t.slots {
		t.slots[i].LocalPID = i
		t.slots[i].JoinTarget = None
		t.slots[i].WaitTarget = None
	}
	return t
}

// Size returns the table's fixed capacity.
func (t *Table) Size() int { return len(t.slots) }

// LiveCount returns the number of currently reserved slots.
func (t *Table) LiveCount() int { return t.liveCnt }

// NextPID returns the slot the next CONNECT will attempt to use,
// without reserving it.
func (t *Table) NextPID() int { return t.nextPID }

// Get returns a pointer to the slot at pid, or nil if pid is out of
// range. The caller must check Live before trusting slot contents.
func (t *Table) Get(pid int) *Client {
	if pid < 0 || pid >= len(t.slots) {
		return nil
	}
	return &t.slots[pid]
}

// IsLive reports whether pid is in range and currently reserved.
func (t *Table) IsLive(pid int) bool {
	c := t.Get(pid)
	return c != nil && c.Live
}

// TryReserve reserves the slot at the current NextPID cursor for a
// new client if and only if that slot is free, advancing the cursor
// modulo table size exactly as original_source/yamsd.c's
// connect_process/nextPID do: "if(clients[nextPID].PID == UNUSED)
// connect_process(...)". On success it returns the reserved slot; on
// failure (slot occupied) it returns nil and leaves the cursor where
// it was — the caller is expected to retry on a later CONNECT, and
// the daemon's admission logic never searches for a different free
// slot.
func (t *Table) TryReserve(hostPID int, mailboxName, fifoPath string) *Client {
	slot := &t.slots[t.nextPID]
	if slot.Live {
		return nil
	}

	pid := t.nextPID
	slot.reset()
	slot.Live = true
	slot.LocalPID = pid
	slot.HostPID = hostPID
	slot.MailboxName = mailboxName
	slot.FIFOPath = fifoPath
	slot.StartTime = time.Now()

	t.nextPID = (t.nextPID + 1) % len(t.slots)
	t.liveCnt++
	return slot
}

// Release frees pid's slot. The caller must have already closed
// Outbound and performed any JOIN-target notification side effects.
func (t *Table) Release(pid int) {
	c := t.Get(pid)
	if c == nil || !c.Live {
		return
	}
	c.reset()
	t.liveCnt--
}

// Each calls fn for every live slot in table order (increasing PID).
func (t *Table) Each(fn func(c *Client)) {
	for i := range t.slots {
		if t.slots[i].Live {
			fn(&t.slots[i])
		}
	}
}
