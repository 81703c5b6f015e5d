package segment

import (
	"sync"

	"github.com/corvid-dl/corvid/internal/stat"
)

// Arena owns every segment of one download and is the sole mutator of
// assignment state. Execution units address segments through their
// connection id lease; they never own segments.
type Arena struct {
	mu       sync.Mutex
	segments []*Segment
	complete []bool
	claims   map[int]int // connection id -> segment index
	total    int64

	stats *stat.Registry
}

// NewArena splits totalLength into segments of at most segmentSize bytes.
// A totalLength of 0 produces a single unsized segment whose end is signaled
// by the stream.
func NewArena(totalLength, segmentSize int64, stats *stat.Registry) *Arena {
	a := &Arena{
		claims: make(map[int]int),
		total:  totalLength,
		stats:  stats,
	}

	if totalLength == 0 {
		a.segments = []*Segment{newSegment(0, 0, 0)}
		a.complete = make([]bool, 1)
		return a
	}

	var pos int64
	for idx := 0; pos < totalLength; idx++ {
		length := segmentSize
		if rest := totalLength - pos; rest < length {
			length = rest
		}
		a.segments = append(a.segments, newSegment(idx, pos, length))
		pos += length
	}
	a.complete = make([]bool, len(a.segments))
	return a
}

// TotalLength is the declared length of the whole download, 0 when unknown.
func (a *Arena) TotalLength() int64 { return a.total }

// SegmentCount returns the number of segments in the arena.
func (a *Arena) SegmentCount() int { return len(a.segments) }

// InitHashes arms the rolling digest of every segment.
func (a *Arena) InitHashes(algo string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.segments {
		s.InitHash(algo)
	}
}

// Claim leases the first unassigned, incomplete segment to connID. Returns
// nil when nothing is claimable. An existing claim for connID is returned
// as-is.
func (a *Arena) Claim(connID int) *Segment {
	a.mu.Lock()
	defer a.mu.Unlock()

	if idx, ok := a.claims[connID]; ok {
		return a.segments[idx]
	}
	for idx, s := range a.segments {
		if a.complete[idx] || a.claimedLocked(idx) {
			continue
		}
		a.claims[connID] = idx
		return s
	}
	return nil
}

// Current returns connID's leased segment, or nil when it holds none.
func (a *Arena) Current(connID int) *Segment {
	a.mu.Lock()
	defer a.mu.Unlock()

	if idx, ok := a.claims[connID]; ok {
		return a.segments[idx]
	}
	return nil
}

// Next moves connID's lease to the segment at index, provided it exists and
// is neither complete nor claimed elsewhere. Returns nil otherwise; the old
// lease is untouched on failure.
func (a *Arena) Next(connID, index int) *Segment {
	a.mu.Lock()
	defer a.mu.Unlock()

	if index < 0 || index >= len(a.segments) {
		return nil
	}
	if a.complete[index] {
		return nil
	}
	if owner, claimed := a.claimOwnerLocked(index); claimed && owner != connID {
		return nil
	}
	a.claims[connID] = index
	return a.segments[index]
}

// Complete marks seg durably complete and releases connID's lease on it.
func (a *Arena) Complete(connID int, seg *Segment) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.complete[seg.Index] = true
	if idx, ok := a.claims[connID]; ok && idx == seg.Index {
		delete(a.claims, connID)
	}
}

// Cancel releases connID's lease without completing the segment, so another
// connection can pick it up.
func (a *Arena) Cancel(connID int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.claims, connID)
}

// Finished reports whether every segment is complete.
func (a *Arena) Finished() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, done := range a.complete {
		if !done {
			return false
		}
	}
	return true
}

// BytesWritten sums the written length of every segment, counting completed
// segments at their full declared length.
func (a *Arena) BytesWritten() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var n int64
	for idx, s := range a.segments {
		if a.complete[idx] && s.Length > 0 {
			n += s.Length
		} else {
			n += s.WrittenLength()
		}
	}
	return n
}

// DownloadSpeed is the session-wide speed estimate used by the pre-read
// throttle check.
func (a *Arena) DownloadSpeed() int64 {
	if a.stats == nil {
		return 0
	}
	return a.stats.TotalSpeed()
}

func (a *Arena) claimedLocked(index int) bool {
	_, ok := a.claimOwnerLocked(index)
	return ok
}

func (a *Arena) claimOwnerLocked(index int) (int, bool) {
	for conn, idx := range a.claims {
		if idx == index {
			return conn, true
		}
	}
	return 0, false
}
