package stat

import (
	"sync"
	"time"
)

// speedWindow is how far back the instantaneous speed estimate looks.
const speedWindow = 15 * time.Second

type sample struct {
	at    time.Time
	bytes int64
}

// PeerStat accounts bytes transferred by one connection identity. Speeds are
// derived from wire bytes, so rate limiting reflects actual network
// consumption rather than decoded output.
type PeerStat struct {
	mu         sync.Mutex
	id         int
	start      time.Time
	cumulative int64
	samples    []sample
	now        func() time.Time
}

func (p *PeerStat) ID() int { return p.id }

// AddBytes records n raw bytes read from the wire.
func (p *PeerStat) AddBytes(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cumulative += n
	p.samples = append(p.samples, sample{at: p.now(), bytes: n})
	p.trimLocked()
}

// Total returns the cumulative bytes transferred since the record started.
func (p *PeerStat) Total() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cumulative
}

// Speed is the windowed instantaneous download speed in bytes/sec.
func (p *PeerStat) Speed() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.trimLocked()
	if len(p.samples) == 0 {
		return 0
	}

	var windowBytes int64
	for _, s := range p.samples {
		windowBytes += s.bytes
	}

	// Anchor at the transfer start until a full window has elapsed, then at
	// the trailing window edge.
	now := p.now()
	anchor := now.Add(-speedWindow)
	if p.start.After(anchor) {
		anchor = p.start
	}
	elapsed := now.Sub(anchor)
	if elapsed <= 0 {
		// No measurable time has passed; report the bytes as-is rather
		// than dividing by zero.
		return windowBytes
	}
	return int64(float64(windowBytes) / elapsed.Seconds())
}

// AvgSpeed is the bytes/sec average anchored at the transfer start.
func (p *PeerStat) AvgSpeed() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := p.now().Sub(p.start)
	if elapsed <= 0 {
		return p.cumulative
	}
	return int64(float64(p.cumulative) / elapsed.Seconds())
}

// SinceStart is the time elapsed since the record was created.
func (p *PeerStat) SinceStart() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now().Sub(p.start)
}

func (p *PeerStat) trimLocked() {
	cutoff := p.now().Add(-speedWindow)
	i := 0
	for i < len(p.samples) && p.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		p.samples = append(p.samples[:0], p.samples[i:]...)
	}
}
