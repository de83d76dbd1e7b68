package mailbox

// Line is one line of message text. It is owned exclusively by the
// Message that holds it and is destroyed along with that message.
type Line struct {
	Text string
	Next *Line
}
