// Package client implements the fixed-size client table: the array
// of reserved slots the daemon indexes by the small integer PID it
// hands out at CONNECT time. See spec.md §3 and §4.4.
package client

import "time"

// None is the sentinel for "no target"/"no pending filter" in a
// Client's blocking-state fields. It has the same value (-1) as the
// protocol's PriorityAll/TypeAll wildcard but a different meaning:
// those are valid filter values, not slot states; see PendingRecv.Active.
const None = -1

// PendingRecv captures the filter an unmatched RECV is blocked on.
// Active is false when the client has no pending RECV — Priority and
// Type may legitimately be protocol.PriorityAll/TypeAll while still
// Active, so "no pending RECV" cannot be represented by a sentinel
// value in those fields alone.
type PendingRecv struct {
	Active   bool
	Priority int
	Type     int
	Sender   string
}

// Client is one reserved slot in the table: a live client process's
// identity, its private outbound channel, and its blocking state.
// Invariant 3 (spec.md §3): at most one of JoinTarget, WaitTarget, and
// PendingRecv.Active is set at a time.
type Client struct {
	Live        bool
	HostPID     int
	LocalPID    int
	StartTime   time.Time
	MailboxName string
	FIFOPath    string

	// Outbound is the open write end of the client's private FIFO.
	// nil when the slot is not live.
	Outbound WriteCloser

	JoinTarget  int
	WaitTarget  int
	PendingRecv PendingRecv
}

// WriteCloser is the minimal interface the dispatcher needs from a
// client's private outbound channel; satisfied by *os.File in
// production and by an in-memory fake in tests.
type WriteCloser interface {
	Write(p []byte) (int, error)
	Close() error
}

// reset clears a slot back to its unreserved state.
func (c *Client) reset() {
	*c = Client{
		LocalPID:    c.LocalPID, // identity of the slot itself never changes
		JoinTarget:  None,
		WaitTarget:  None,
		PendingRecv: PendingRecv{},
	}
}

// Blocked reports whether the client is parked on JOIN, WAIT, or an
// unmatched RECV.
func (c *Client) Blocked() bool {
	return c.JoinTarget != None || c.WaitTarget != None || c.PendingRecv.Active
}

// ClearBlockingState clears all three blocking fields at once, used
// when a wake event fires.
func (c *Client) ClearBlockingState() {
	c.JoinTarget = None
	c.WaitTarget = None
	c.PendingRecv = PendingRecv{}
}
