package session

import (
	"bytes"
	"strings"
	"testing"
)

func TestRingBufferBasicWriteRead(t *testing.T) {
	rb := newRingBuffer(64)

	data := []byte("hello world")
	n, err := rb.Write(data)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != len(data) {
		t.Errorf("Write returned %d, want %d", n, len(data))
	}

	got := rb.Bytes()
	if !bytes.Equal(got, data) {
		t.Errorf("Bytes() = %q, want %q", got, data)
	}
	if rb.Len() != len(data) {
		t.Errorf("Len() = %d, want %d", rb.Len(), len(data))
	}
}

func TestRingBufferEmpty(t *testing.T) {
	rb := newRingBuffer(16)
	if got := rb.Bytes(); got != nil {
		t.Errorf("Bytes() on empty buffer = %q, want nil", got)
	}
	if rb.Len() != 0 {
		t.Errorf("Len() = %d, want 0", rb.Len())
	}
}

func TestRingBufferWrapAround(t *testing.T) {
	rb := newRingBuffer(8)

	rb.Write([]byte("abcdef"))
	rb.Write([]byte("ghij"))

	// 10 bytes written into capacity 8: oldest two dropped.
	got := string(rb.Bytes())
	if got != "cdefghij" {
		t.Errorf("Bytes() = %q, want %q", got, "cdefghij")
	}
	if rb.Len() != 8 {
		t.Errorf("Len() = %d, want 8", rb.Len())
	}
}

func TestRingBufferOversizedWrite(t *testing.T) {
	rb := newRingBuffer(4)
	rb.Write([]byte("0123456789"))

	if got := string(rb.Bytes()); got != "6789" {
		t.Errorf("Bytes() = %q, want %q", got, "6789")
	}
}

func TestRingBufferManySmallWrites(t *testing.T) {
	rb := newRingBuffer(10)
	for i := 0; i < 100; i++ {
		rb.Write([]byte{byte('a' + i%26)})
	}

	got := rb.Bytes()
	if len(got) != 10 {
		t.Fatalf("len = %d, want 10", len(got))
	}
	// Last 10 of the a..z cycle ending at index 99.
	want := ""
	for i := 90; i < 100; i++ {
		want += string(rune('a' + i%26))
	}
	if string(got) != want {
		t.Errorf("Bytes() = %q, want %q", got, want)
	}
}

func TestRingBufferDefaultCapacity(t *testing.T) {
	rb := newRingBuffer(0)
	big := strings.Repeat("x", 300000)
	rb.Write([]byte(big))
	if rb.Len() != 262144 {
		t.Errorf("Len() = %d, want default capacity 262144", rb.Len())
	}
}
