// Package sga implements the marshalling contract between caller byte
// buffers / scatter-gather iovecs and the backend's native scatter-gather
// arrays (SGAs). An SGA is a backend-allocated buffer composed of one or
// more contiguous segments; copying fills segments in order and tracks a
// partial-consumption offset on the receive side so a single SGA can serve
// multiple caller reads.
package sga

import "fmt"

// Segment is one contiguous span of an SGA.
type Segment struct {
	Data []byte
}

// SGA is a scatter-gather array: one or more segments treated as a single
// logical byte stream in order.
type SGA struct {
	Segments []Segment
}

// NewSGA allocates an SGA as a single contiguous segment of the given size.
// Backend providers that shard allocations across multiple segments
// construct SGA{Segments: ...} directly; this constructor covers the common
// single-segment case used by the reference backend.
func NewSGA(size int) *SGA {
	return &SGA{Segments: []Segment{{Data: make([]byte, size)}}}
}

// Len returns the total byte capacity across all segments.
func (s *SGA) Len() int {
	n := 0
	for _, seg := range s.Segments {
		n += len(seg.Data)
	}
	return n
}

// CopyInto copies len(buf) bytes from buf into sga's segments in order,
// filling each segment before moving to the next. The SGA must have been
// allocated with capacity >= len(buf); a shortfall is an internal invariant
// violation (the SGA was just allocated for this exact write), not a caller
// error, so this panics rather than returning an error.
func CopyInto(s *SGA, buf []byte) int {
	if s.Len() < len(buf) {
		panic(fmt.Sprintf("sga: CopyInto invariant violated: capacity %d < len %d", s.Len(), len(buf)))
	}

	copied := 0
	for i := range s.Segments {
		if copied == len(buf) {
			break
		}
		seg := s.Segments[i].Data
		n := copy(seg, buf[copied:])
		copied += n
	}
	return copied
}

// CopyFrom copies up to len(buf) bytes from s starting at byte offset
// *offset, across segment boundaries, and advances *offset by the number of
// bytes copied. It returns the number of bytes copied and whether s is now
// fully drained (offset has reached s.Len()). This is the primitive behind
// level-triggered partial reads: a single backend pop may back many
// caller-visible Read calls.
func CopyFrom(s *SGA, buf []byte, offset *int) (n int, drained bool) {
	total := s.Len()
	if *offset < 0 || *offset > total {
		panic(fmt.Sprintf("sga: CopyFrom invariant violated: offset %d out of [0,%d]", *offset, total))
	}

	remaining := *offset
	written := 0
	for _, seg := range s.Segments {
		if written == len(buf) {
			break
		}
		segLen := len(seg.Data)
		if remaining >= segLen {
			remaining -= segLen
			continue
		}
		src := seg.Data[remaining:]
		remaining = 0
		cn := copy(buf[written:], src)
		written += cn
	}

	*offset += written
	return written, *offset >= total
}

// IOVec is a caller-supplied scatter-gather element, mirroring a POSIX
// struct iovec.
type IOVec struct {
	Base []byte
}

// TotalLen returns the sum of all iovec lengths.
func TotalLen(iovs []IOVec) int {
	n := 0
	for _, v := range iovs {
		n += len(v.Base)
	}
	return n
}

// CopyIOVecsInto copies a sequence of caller iovecs into a single SGA,
// preserving byte order across the iovec boundaries (used by writev).
func CopyIOVecsInto(s *SGA, iovs []IOVec) int {
	total := TotalLen(iovs)
	flat := make([]byte, 0, total)
	for _, v := range iovs {
		flat = append(flat, v.Base...)
	}
	return CopyInto(s, flat)
}

// CopyFromIntoIOVecs drains s into a sequence of caller iovecs (used by
// readv), looping per-iovec and invoking CopyFrom for each. It stops at the
// first short fill — an iovec that receives fewer bytes than its capacity
// means the SGA ran out, so there is no point attempting the next iovec.
func CopyFromIntoIOVecs(s *SGA, iovs []IOVec, offset *int) (n int, drained bool) {
	total := 0
	for _, v := range iovs {
		want := len(v.Base)
		if want == 0 {
			continue
		}
		got, d := CopyFrom(s, v.Base, offset)
		total += got
		drained = d
		if got < want {
			// Short fill: the SGA is drained (or became drained this
			// call); stop rather than attempting the next iovec with
			// nothing left to give it.
			break
		}
	}
	return total, drained
}
