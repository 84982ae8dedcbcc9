package sga

import (
	"bytes"
	"testing"
)

func TestCopyIntoFillsSegmentsInOrder(t *testing.T) {
	s := &SGA{Segments: []Segment{{Data: make([]byte, 3)}, {Data: make([]byte, 3)}}}
	n := CopyInto(s, []byte("hello!"))
	if n != 6 {
		t.Fatalf("CopyInto = %d, want 6", n)
	}
	if !bytes.Equal(s.Segments[0].Data, []byte("hel")) {
		t.Errorf("segment 0 = %q", s.Segments[0].Data)
	}
	if !bytes.Equal(s.Segments[1].Data, []byte("lo!")) {
		t.Errorf("segment 1 = %q", s.Segments[1].Data)
	}
}

func TestCopyIntoPanicsOnInsufficientCapacity(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on insufficient SGA capacity")
		}
	}()
	s := NewSGA(2)
	CopyInto(s, []byte("too long"))
}

// TestShortReadSplits exercises a 10-byte SGA served across reads of 4, 4,
// then 2 bytes, draining exactly at the boundary.
func TestShortReadSplits(t *testing.T) {
	s := NewSGA(10)
	CopyInto(s, []byte("0123456789"))

	offset := 0
	buf := make([]byte, 4)

	n, drained := CopyFrom(s, buf, &offset)
	if n != 4 || drained || string(buf[:n]) != "0123" {
		t.Fatalf("first read: n=%d drained=%v buf=%q", n, drained, buf[:n])
	}

	n, drained = CopyFrom(s, buf, &offset)
	if n != 4 || drained || string(buf[:n]) != "4567" {
		t.Fatalf("second read: n=%d drained=%v buf=%q", n, drained, buf[:n])
	}

	n, drained = CopyFrom(s, buf, &offset)
	if n != 2 || !drained || string(buf[:n]) != "89" {
		t.Fatalf("third read: n=%d drained=%v buf=%q", n, drained, buf[:n])
	}
}

func TestCopyFromAcrossSegmentBoundary(t *testing.T) {
	s := &SGA{Segments: []Segment{{Data: []byte("ab")}, {Data: []byte("cdef")}}}
	offset := 1
	buf := make([]byte, 3)
	n, drained := CopyFrom(s, buf, &offset)
	if n != 3 || drained || string(buf) != "bcd" {
		t.Fatalf("n=%d drained=%v buf=%q", n, drained, buf)
	}
}

func TestCopyFromIntoIOVecsStopsOnShortFill(t *testing.T) {
	s := NewSGA(5)
	CopyInto(s, []byte("abcde"))
	offset := 0

	iovs := []IOVec{
		{Base: make([]byte, 3)},
		{Base: make([]byte, 10)},
		{Base: make([]byte, 10)},
	}
	n, drained := CopyFromIntoIOVecs(s, iovs, &offset)
	if n != 5 || !drained {
		t.Fatalf("n=%d drained=%v", n, drained)
	}
	if string(iovs[0].Base) != "abc" {
		t.Errorf("iov0 = %q", iovs[0].Base)
	}
	if string(iovs[1].Base[:2]) != "de" {
		t.Errorf("iov1[:2] = %q", iovs[1].Base[:2])
	}
}

func TestCopyIOVecsIntoPreservesOrder(t *testing.T) {
	s := NewSGA(6)
	iovs := []IOVec{{Base: []byte("foo")}, {Base: []byte("bar")}}
	n := CopyIOVecsInto(s, iovs)
	if n != 6 {
		t.Fatalf("n=%d", n)
	}
	offset := 0
	buf := make([]byte, 6)
	CopyFrom(s, buf, &offset)
	if string(buf) != "foobar" {
		t.Fatalf("buf=%q", buf)
	}
}
