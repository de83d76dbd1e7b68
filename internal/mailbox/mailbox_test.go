package mailbox

import (
	"testing"

	"github.com/campinsights/yamsd/internal/protocol"
)

func TestAppendAndCountMatching(t *testing.T) {
	mb := &Mailbox{Name: "alice"}
	mb.Append(NewMessage(protocol.PriorityNormal, protocol.TypeInfo, "bob"))
	mb.Append(NewMessage(protocol.PriorityBatch, protocol.TypeStatus, "carol"))

	if got := mb.CountMatching(protocol.PriorityAll, protocol.TypeAll, protocol.SenderAll); got != 2 {
		t.Fatalf("got %d, want 2", got)
	}
	if got := mb.CountMatching(protocol.PriorityNormal, protocol.TypeAll, protocol.SenderAll); got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
	if got := mb.CountMatching(protocol.PriorityAll, protocol.TypeAll, "carol"); got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
}

func TestFetchFirstMatchingHeadBiased(t *testing.T) {
	mb := &Mailbox{Name: "m"}
	m1 := NewMessage(protocol.PriorityNormal, protocol.TypeInfo, "a")
	m2 := NewMessage(protocol.PriorityNormal, protocol.TypeInfo, "b")
	mb.Append(m1)
	mb.Append(m2)

	got := mb.FetchFirstMatching(protocol.PriorityAll, protocol.TypeAll, protocol.SenderAll)
	if got != m1 {
		t.Fatalf("expected head-biased match m1, got %v", got)
	}
	if mb.FirstMessage() != m2 {
		t.Fatalf("expected m2 to be new head")
	}
}

func TestFetchFirstMatchingUnlinkCases(t *testing.T) {
	t.Run("middle", func(t *testing.T) {
		mb := &Mailbox{Name: "m"}
		m1 := NewMessage(0, 0, "a")
		m2 := NewMessage(0, 0, "b")
		m3 := NewMessage(0, 0, "c")
		mb.Append(m1)
		mb.Append(m2)
		mb.Append(m3)

		got := mb.FetchFirstMatching(protocol.PriorityAll, protocol.TypeAll, "b")
		if got != m2 {
			t.Fatalf("expected m2")
		}
		if mb.firstMessage != m1 || mb.lastMessage != m3 {
			t.Fatalf("head/tail corrupted after middle unlink")
		}
		if m1.next != m3 || m3.prev != m1 {
			t.Fatalf("chain not stitched after middle unlink")
		}
	})

	t.Run("tail", func(t *testing.T) {
		mb := &Mailbox{Name: "m"}
		m1 := NewMessage(0, 0, "a")
		m2 := NewMessage(0, 0, "b")
		mb.Append(m1)
		mb.Append(m2)

		got := mb.FetchFirstMatching(protocol.PriorityAll, protocol.TypeAll, "b")
		if got != m2 {
			t.Fatalf("expected m2")
		}
		if mb.lastMessage != m1 || m1.next != nil {
			t.Fatalf("tail not updated after tail unlink")
		}
	})

	t.Run("only element", func(t *testing.T) {
		mb := &Mailbox{Name: "m"}
		m1 := NewMessage(0, 0, "a")
		mb.Append(m1)

		got := mb.FetchFirstMatching(protocol.PriorityAll, protocol.TypeAll, protocol.SenderAll)
		if got != m1 {
			t.Fatalf("expected m1")
		}
		if mb.firstMessage != nil || mb.lastMessage != nil {
			t.Fatalf("expected empty queue after fetching only element")
		}
	})

	t.Run("no match", func(t *testing.T) {
		mb := &Mailbox{Name: "m"}
		mb.Append(NewMessage(0, 0, "a"))
		if got := mb.FetchFirstMatching(protocol.PriorityAll, protocol.TypeAll, "zzz"); got != nil {
			t.Fatalf("expected nil, got %v", got)
		}
	})
}

func TestAppendLineCount(t *testing.T) {
	m := NewMessage(protocol.PriorityNormal, protocol.TypeInfo, "a")
	m.AppendLine("hi")
	m.AppendLine("there")
	if m.NumLines != 2 {
		t.Fatalf("got %d lines, want 2", m.NumLines)
	}
	if m.FirstLine.Text != "hi" || m.FirstLine.Next.Text != "there" {
		t.Fatalf("line list content wrong")
	}
}
