package mailbox

// Mailbox is a named destination owning a doubly-linked queue of
// messages. Mailbox records are created on first reference and never
// destroyed for the lifetime of the daemon (spec.md §3).
type Mailbox struct {
	Name string

	firstMessage *Message
	lastMessage  *Message

	// bucket-chain links, managed by Registry.
	prev *Mailbox
	next *Mailbox
}

// FirstMessage exposes the head of the queue, matching the spec.md §3
// data model's "first_message: optional reference to head of queue".
func (mb *Mailbox) FirstMessage() *Message { return mb.firstMessage }

// Append adds msg to the tail of the mailbox's queue.
func (mb *Mailbox) Append(msg *Message) {
	msg.prev = mb.lastMessage
	msg.next = nil
	if mb.lastMessage == nil {
		mb.firstMessage = msg
	} else {
		mb.lastMessage.next = msg
	}
	mb.lastMessage = msg
}

// CountMatching performs a linear scan of the queue and returns how
// many messages satisfy the given filter. Mirrors
// ipc_messaging.c's num_waiting_msgs.
func (mb *Mailbox) CountMatching(priority, typ int, sender string) int {
	count := 0
	for cur := mb.firstMessage; cur != nil; cur = cur.next {
		if cur.matches(priority, typ, sender) {
			count++
		}
	}
	return count
}

// FetchFirstMatching finds the first message (head-biased) satisfying
// the filter, unlinks it from the queue, and returns it. Returns nil
// if no message matches. Mirrors ipc_messaging.c's
// fetch_first_message, including its three-case unlink (head, middle,
// tail).
func (mb *Mailbox) FetchFirstMatching(priority, typ int, sender string) *Message {
	var cur *Message
	for cur = mb.firstMessage; cur != nil; cur = cur.next {
		if cur.matches(priority, typ, sender) {
			break
		}
	}
	if cur == nil {
		return nil
	}

	prev, next := cur.prev, cur.next
	switch {
	case prev == nil && next == nil:
		mb.firstMessage = nil
		mb.lastMessage = nil
	case prev == nil:
		mb.firstMessage = next
		next.prev = nil
	case next == nil:
		mb.lastMessage = prev
		prev.next = nil
	default:
		prev.next = next
		next.prev = prev
	}

	cur.prev = nil
	cur.next = nil
	return cur
}
