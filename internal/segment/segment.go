package segment

import (
	"fmt"
	"hash"
	"sync/atomic"

	"github.com/corvid-dl/corvid/internal/digest"
)

// Segment is one contiguous assigned byte range of the target file, the unit
// of transfer and verification. Length 0 means "until stream end".
type Segment struct {
	Index    int
	Position int64
	Length   int64

	// written is read by progress reporting off the scheduler goroutine,
	// so it is atomic; every other field is touched only by the owner.
	written atomic.Int64

	// Rolling digest state. Writes within a segment are strictly
	// sequential, so the hash can be fed incrementally; hashDone flips
	// once the full declared length has been hashed.
	hash     hash.Hash
	hashAlgo string
	hashDone bool
	hashSum  string
}

func newSegment(index int, position, length int64) *Segment {
	return &Segment{Index: index, Position: position, Length: length}
}

// WrittenLength is the number of decoded bytes persisted so far.
func (s *Segment) WrittenLength() int64 { return s.written.Load() }

// Remaining is how many bytes are still expected, or -1 when the length is
// unknown.
func (s *Segment) Remaining() int64 {
	if s.Length == 0 {
		return -1
	}
	return s.Length - s.written.Load()
}

// PositionToWrite is the absolute file offset for the next write.
func (s *Segment) PositionToWrite() int64 { return s.Position + s.written.Load() }

// Complete reports whether the declared length has been fully written.
// Unsized segments never report complete; their end is signaled by the
// stream instead.
func (s *Segment) Complete() bool {
	return s.Length > 0 && s.written.Load() >= s.Length
}

// UpdateWrittenLength advances the write cursor by n decoded bytes.
func (s *Segment) UpdateWrittenLength(n int64) error {
	written := s.written.Load()
	if s.Length > 0 && written+n > s.Length {
		return fmt.Errorf("segment %d overrun: written %d + %d exceeds length %d", s.Index, written, n, s.Length)
	}
	s.written.Add(n)
	return nil
}

// InitHash arms the rolling digest for algo. A no-op when algo is not
// supported.
func (s *Segment) InitHash(algo string) {
	if h := digest.New(algo); h != nil {
		s.hash = h
		s.hashAlgo = algo
	}
}

// UpdateHash feeds data into the rolling digest. The offset must equal the
// current written length; out-of-order updates would silently corrupt the
// digest, so they are rejected.
func (s *Segment) UpdateHash(offset int64, data []byte) error {
	if s.hash == nil || s.hashDone {
		return nil
	}
	written := s.written.Load()
	if offset != written {
		return fmt.Errorf("segment %d hash update at offset %d, expected %d", s.Index, offset, written)
	}
	s.hash.Write(data)
	if s.Length > 0 && written+int64(len(data)) >= s.Length {
		s.hashSum = digest.HexSum(s.hash)
		s.hashDone = true
	}
	return nil
}

// HashCalculated reports whether the rolling digest covered the whole
// segment, making HashString authoritative without re-reading storage.
func (s *Segment) HashCalculated() bool { return s.hashDone }

// HashString is the finished rolling digest in hex. Empty until
// HashCalculated is true.
func (s *Segment) HashString() string { return s.hashSum }

// Clear discards all written state so the segment is re-downloaded from
// scratch. A corrupt segment is never partially trusted.
func (s *Segment) Clear() {
	s.written.Store(0)
	s.hashDone = false
	s.hashSum = ""
	if s.hash != nil {
		s.hash.Reset()
	}
}
