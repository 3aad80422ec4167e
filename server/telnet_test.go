package server

import (
	"bytes"
	"testing"
)

func TestTelnetReaderFiltersIACSequences(t *testing.T) {
	raw := []byte{'P', 'W', 'D'}
	raw = append(raw, telnetIAC, telnetWILL, 0x01) // 3-byte negotiation, dropped
	raw = append(raw, telnetIAC, telnetIAC)        // escaped 0xFF, kept
	raw = append(raw, '\r', '\n')

	tr := newTelnetReader(bytes.NewReader(raw))
	buf := make([]byte, 32)
	n, err := tr.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := []byte{'P', 'W', 'D', telnetIAC, '\r', '\n'}
	if !bytes.Equal(buf[:n], want) {
		t.Fatalf("got %q, want %q", buf[:n], want)
	}
}

func TestTelnetReaderDrainUnfilteredRecoversBufferedTail(t *testing.T) {
	tr := newTelnetReader(bytes.NewReader([]byte("AUTH TLS\r\nrest-of-the-chunk")))

	buf := make([]byte, 10)
	n, err := tr.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "AUTH TLS\r\n" {
		t.Fatalf("got %q", buf[:n])
	}

	// The inner bufio.Reader pulled the whole chunk in one fill, and Read
	// stopped because buf was full, so "rest-of-the-chunk" still sits,
	// unfiltered, in that inner buffer by the time Read returns here.
	leftover := tr.drainUnfiltered()
	if string(leftover) != "rest-of-the-chunk" {
		t.Fatalf("got %q, want the buffered tail recovered", leftover)
	}

	if got := tr.drainUnfiltered(); got != nil {
		t.Fatalf("expected a second drain to be empty, got %q", got)
	}
}
