package mailbox

import "github.com/campinsights/yamsd/internal/protocol"

// Message is one queued unit of mail: a priority, a type, the sending
// mailbox's name, and an ordered list of text lines. A Message exists
// only while queued; FetchFirstMatching unlinks it from its queue and
// hands ownership to the caller, who is responsible for delivering its
// lines and then letting it go.
type Message struct {
	Priority  int
	Type      int
	Sender    string
	NumLines  int
	FirstLine *Line

	lastLine *Line

	prev *Message
	next *Message
}

// NewMessage creates an empty message (no lines yet) addressed from
// sender, matching original_source/ipc_messaging.c's new_message.
func NewMessage(priority, typ int, sender string) *Message {
	return &Message{
		Priority: priority,
		Type:     typ,
		Sender:   sender,
	}
}

// AppendLine adds text as the new tail of the message's line list and
// returns the new line count. Mirrors ipc_messaging.c's add_line.
func (m *Message) AppendLine(text string) int {
	line := &Line{Text: text}
	if m.FirstLine == nil {
		m.FirstLine = line
	} else {
		m.lastLine.Next = line
	}
	m.lastLine = line
	m.NumLines++
	return m.NumLines
}

// matches reports whether the message satisfies the given filter,
// where PriorityAll/TypeAll/SenderAll are wildcards that disable the
// corresponding check.
func (m *Message) matches(priority, typ int, sender string) bool {
	p := priority == protocol.PriorityAll || m.Priority == priority
	t := typ == protocol.TypeAll || m.Type == typ
	s := sender == protocol.SenderAll || m.Sender == sender
	return p && t && s
}
