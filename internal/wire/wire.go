// Package wire implements the length-implicit framing primitives of
// the YAMS protocol: fixed-width integers and null-terminated bounded
// strings over a stream endpoint. There is no outer length prefix —
// every reader must know, from protocol position alone, whether it is
// about to read an int or a string.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteInt writes v as 4 raw little-endian bytes, matching the
// reference implementation's `write(fd, int_to_write, sizeof(int))`.
// The wire format is pinned to 32 bits regardless of host int width —
// see DESIGN.md.
func WriteInt(w io.Writer, v int32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	_, err := w.Write(buf[:])
	if err != nil {
		return fmt.Errorf("wire: write int: %w", err)
	}
	return nil
}

// ReadInt reads 4 raw little-endian bytes and returns them as int32.
func ReadInt(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("wire: read int: %w", err)
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

// WriteString writes each byte of s followed by a terminating null
// byte. No length prefix, no truncation on the write side — the
// caller is responsible for keeping s within the negotiated bound.
func WriteString(w io.Writer, s string) error {
	if _, err := io.WriteString(w, s); err != nil {
		return fmt.Errorf("wire: write string: %w", err)
	}
	var zero [1]byte
	if _, err := w.Write(zero[:]); err != nil {
		return fmt.Errorf("wire: write string terminator: %w", err)
	}
	return nil
}

// ReadString reads characters one at a time until a null byte is
// seen or maxSize is reached. If maxSize is hit before a null byte,
// it keeps draining the channel (discarding into the last slot, as
// the reference implementation does) until a null byte is finally
// consumed, so the stream stays framed on a null even when the writer
// sent an overlong string. The returned string never exceeds
// maxSize-1 bytes and never includes the terminator.
func ReadString(r io.Reader, maxSize int) (string, error) {
	if maxSize <= 0 {
		return "", fmt.Errorf("wire: read string: invalid maxSize %d", maxSize)
	}
	buf := make([]byte, 0, maxSize)
	var one [1]byte

	i := 0
	for i < maxSize {
		if _, err := io.ReadFull(r, one[:]); err != nil {
			return "", fmt.Errorf("wire: read string: %w", err)
		}
		if one[0] == 0 {
			return string(buf), nil
		}
		buf = append(buf, one[0])
		i++
	}

	// maxSize bytes read without a null: the reference implementation
	// reserves the last slot for the eventual terminator, so the
	// maxSize-th byte we just buffered is dropped, and the channel is
	// drained (discarding everything read) until a null is finally
	// consumed. This keeps the stream framed even for an overlong
	// write.
	buf = buf[:maxSize-1]
	for {
		if _, err := io.ReadFull(r, one[:]); err != nil {
			return "", fmt.Errorf("wire: read string: drain: %w", err)
		}
		if one[0] == 0 {
			return string(buf), nil
		}
	}
}
