package streamio

import (
	"bytes"
	"io"
	"testing"
)

func TestInvertingReaderRoundTrip(t *testing.T) {
	orig := []byte{0x00, 0x01, 0xFF, 0x7E, 0xA5}

	inverted := make([]byte, len(orig))
	for i, b := range orig {
		inverted[i] = b ^ 0xFF
	}

	r := NewInvertingReader(bytes.NewReader(inverted))
	got := make([]byte, len(orig))
	if _, err := io.ReadFull(r, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, orig) {
		t.Fatalf("got %x, want %x", got, orig)
	}
}

func TestInvertingReaderDoubleApplicationIdempotent(t *testing.T) {
	orig := []byte{0x12, 0x34, 0x56, 0x78}

	once := NewInvertingReader(bytes.NewReader(orig))
	buf1 := make([]byte, len(orig))
	io.ReadFull(once, buf1)

	twice := NewInvertingReader(bytes.NewReader(buf1))
	buf2 := make([]byte, len(orig))
	io.ReadFull(twice, buf2)

	if !bytes.Equal(buf2, orig) {
		t.Fatalf("double inversion not idempotent: got %x, want %x", buf2, orig)
	}
}

func TestReverseReaderWalksBackward(t *testing.T) {
	// 8 bytes, addresses 0..8. We want to read two 2-byte blocks
	// starting from the end: first [6,8), then [4,6).
	data := []byte{0, 1, 2, 3, 4, 5, 6, 7}
	src := bytes.NewReader(data)

	rr := NewReverseReader(src)
	if _, err := rr.Seek(8, io.SeekStart); err != nil {
		t.Fatal(err)
	}

	block1 := make([]byte, 2)
	if _, err := io.ReadFull(rr, block1); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(block1, []byte{6, 7}) {
		t.Fatalf("block1 = %v, want [6 7]", block1)
	}

	block2 := make([]byte, 2)
	if _, err := io.ReadFull(rr, block2); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(block2, []byte{4, 5}) {
		t.Fatalf("block2 = %v, want [4 5]", block2)
	}

	pos, err := rr.Seek(0, io.SeekCurrent)
	if err != nil {
		t.Fatal(err)
	}
	if pos != 4 {
		t.Fatalf("cursor after 2 reads of 2 bytes from start 8 = %d, want 4", pos)
	}
}
