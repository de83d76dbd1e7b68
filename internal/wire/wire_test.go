package wire

import (
	"bytes"
	"strings"
	"testing"
)

func TestIntRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteInt(&buf, -42); err != nil {
		t.Fatalf("WriteInt: %v", err)
	}
	got, err := ReadInt(&buf)
	if err != nil {
		t.Fatalf("ReadInt: %v", err)
	}
	if got != -42 {
		t.Fatalf("got %d, want -42", got)
	}
}

func TestStringRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteString(&buf, "hello"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	got, err := ReadString(&buf, 121)
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if got != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestStringExactBoundRoundTrips(t *testing.T) {
	maxSize := 121
	s := strings.Repeat("x", maxSize-1)
	var buf bytes.Buffer
	if err := WriteString(&buf, s); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	got, err := ReadString(&buf, maxSize)
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if got != s {
		t.Fatalf("got len %d, want len %d", len(got), len(s))
	}
}

func TestStringOverlongIsTruncatedButFramed(t *testing.T) {
	maxSize := 10
	s := strings.Repeat("y", maxSize+5)
	var buf bytes.Buffer
	if err := WriteString(&buf, s); err != nil {
		t.Fatalf("WriteString: %v", err)
	}

	// Append a sentinel int after the overlong string to prove the
	// stream is still framed at a null boundary after the drain.
	if err := WriteInt(&buf, 99); err != nil {
		t.Fatalf("WriteInt: %v", err)
	}

	got, err := ReadString(&buf, maxSize)
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if len(got) != maxSize-1 {
		t.Fatalf("got len %d, want %d", len(got), maxSize-1)
	}

	sentinel, err := ReadInt(&buf)
	if err != nil {
		t.Fatalf("ReadInt after drain: %v", err)
	}
	if sentinel != 99 {
		t.Fatalf("stream desynced: got %d, want 99", sentinel)
	}
}

func TestEmptyStringRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteString(&buf, ""); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	got, err := ReadString(&buf, 121)
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}
