package buffer

import (
	"bytes"
	"testing"
)

func TestSliceConsumeTruncate(t *testing.T) {
	s := Wrap([]byte{0, 1, 2, 3, 4, 5, 6, 7})

	head := s.Consume(3)
	if !bytes.Equal(head, []byte{0, 1, 2}) {
		t.Fatalf("consumed %v", head)
	}
	if s.Len() != 5 {
		t.Fatalf("len %d after consume", s.Len())
	}

	tail := s.CutTail(2)
	if !bytes.Equal(tail, []byte{6, 7}) {
		t.Fatalf("tail %v", tail)
	}

	s.Truncate(1)
	if !bytes.Equal(s.Bytes(), []byte{3}) {
		t.Fatalf("window %v", s.Bytes())
	}
}

func TestSliceCloneSharesBacking(t *testing.T) {
	s := New(4)
	c := s.Clone()
	c.Bytes()[0] = 0xee
	if s.Bytes()[0] != 0xee {
		t.Fatal("clone does not share the backing array")
	}
	c.Consume(2)
	if s.Len() != 4 {
		t.Fatal("clone's window mutations leaked into the original")
	}
}

func TestCursorNestedHeaders(t *testing.T) {
	buf := make([]byte, 64)
	cur := NewCursor(buf)

	outer := cur.Block(4)
	mark := cur.Mark()
	inner := cur.Block(2)
	copy(cur.Block(5), "hello")

	copy(outer, "OUTR")
	copy(inner, "IN")

	if cur.Len() != 11 {
		t.Fatalf("len %d", cur.Len())
	}
	if !bytes.Equal(cur.Since(mark), []byte("INhello")) {
		t.Fatalf("since mark: %q", cur.Since(mark))
	}
	if !bytes.Equal(cur.Bytes(), []byte("OUTRINhello")) {
		t.Fatalf("bytes: %q", cur.Bytes())
	}
}

func TestCursorPadTo(t *testing.T) {
	cur := NewCursor(make([]byte, 64))
	cur.Block(16) // header
	mark := cur.Mark()
	cur.Block(5)
	cur.PadTo(mark, 16)
	if got := cur.Len() - mark; got != 16 {
		t.Fatalf("padded payload is %d bytes, want 16", got)
	}

	// Already aligned regions stay untouched.
	cur.PadTo(mark, 16)
	if got := cur.Len() - mark; got != 16 {
		t.Fatalf("re-padding grew the region to %d", got)
	}
}

func TestCursorReserveTail(t *testing.T) {
	cur := NewCursor(make([]byte, 32))
	cur.ReserveTail(16)

	defer func() {
		if recover() == nil {
			t.Fatal("overflow into the reserved tail did not panic")
		}
	}()
	cur.Block(17)
}

func TestCursorBlockZeroes(t *testing.T) {
	buf := bytes.Repeat([]byte{0xff}, 8)
	cur := NewCursor(buf)
	b := cur.Block(8)
	if !bytes.Equal(b, make([]byte, 8)) {
		t.Fatal("Block did not zero the region")
	}
}
