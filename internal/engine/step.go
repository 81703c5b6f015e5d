package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/corvid-dl/corvid/internal/decode"
	"github.com/corvid-dl/corvid/internal/digest"
	"github.com/corvid-dl/corvid/internal/domain"
	"github.com/corvid-dl/corvid/internal/infra/logger"
	"github.com/corvid-dl/corvid/internal/segment"
	"github.com/corvid-dl/corvid/internal/stat"
	"github.com/corvid-dl/corvid/internal/transport"
)

// errGotEOF marks a stream that closed before the expected bytes arrived.
var errGotEOF = errors.New("remote closed the stream prematurely")

// Storage is the disk adaptor surface the step engine needs.
type Storage interface {
	WriteAt(data []byte, offset int64) error
	ReadRange(offset, length int64) ([]byte, error)
}

// StepConfig is the read-only configuration a transfer unit consumes.
type StepConfig struct {
	ChunkSize    int
	MaxSpeed     int64 // bytes/sec session ceiling, 0 = unlimited
	MinSpeed     int64 // bytes/sec per-connection floor, 0 = disabled
	StartupGrace time.Duration
	TotalLength  int64 // whole download, 0 = unknown

	PieceHashEnabled bool
	HashAlgo         string
	PieceHashes      []string // expected hex digest per segment index
}

// TransferStep is the per-connection execution unit: one bounded
// read→decode→write cycle per invocation, re-run by the scheduler until the
// assigned segments are done or the connection fails.
type TransferStep struct {
	unitID string
	connID int
	host   string

	tr          transport.Transport
	pipeline    *decode.Pipeline
	newPipeline func() *decode.Pipeline

	store   Storage
	arena   *segment.Arena
	stats   *stat.PeerStat
	sched   *Scheduler
	limiter *rate.Limiter // optional pre-read global throttle

	cfg StepConfig
	log *logger.Logger
	buf []byte

	// spawnCheck builds the whole-file integrity unit once every segment
	// is complete. Nil when no whole-file digest is expected.
	spawnCheck func() Unit
}

type TransferStepParams struct {
	UnitID      string
	ConnID      int
	Transport   transport.Transport
	Pipeline    *decode.Pipeline
	NewPipeline func() *decode.Pipeline
	Store       Storage
	Arena       *segment.Arena
	Stats       *stat.PeerStat
	Scheduler   *Scheduler
	Limiter     *rate.Limiter
	Config      StepConfig
	Log         *logger.Logger
	SpawnCheck  func() Unit
}

func NewTransferStep(p TransferStepParams) *TransferStep {
	s := &TransferStep{
		unitID:      p.UnitID,
		connID:      p.ConnID,
		host:        p.Transport.Host(),
		tr:          p.Transport,
		pipeline:    p.Pipeline,
		newPipeline: p.NewPipeline,
		store:       p.Store,
		arena:       p.Arena,
		stats:       p.Stats,
		sched:       p.Scheduler,
		limiter:     p.Limiter,
		cfg:         p.Config,
		log:         p.Log,
		buf:         make([]byte, p.Config.ChunkSize),
		spawnCheck:  p.SpawnCheck,
	}
	if s.pipeline == nil {
		s.pipeline = decode.NewPipeline(nil, nil)
	}
	return s
}

func (s *TransferStep) ID() string { return s.unitID }

// Execute performs one bounded transfer cycle. It issues at most one
// transport read and one disk write, then returns control to the scheduler.
func (s *TransferStep) Execute(ctx context.Context) StepResult {
	// Rate ceiling: suspend instead of reading, so pacing is throttled
	// without discarding data.
	if s.cfg.MaxSpeed > 0 && s.arena.DownloadSpeed() >= s.cfg.MaxSpeed {
		return StepResult{Outcome: OutcomeSuspended}
	}
	if s.limiter != nil && !s.limiter.AllowN(time.Now(), s.cfg.ChunkSize) {
		return StepResult{Outcome: OutcomeSuspended}
	}

	seg := s.arena.Current(s.connID)
	if seg == nil {
		// Lease lost; a fresh connection will re-claim.
		return s.terminate(StepResult{Err: &domain.RetryableError{
			Reason:       domain.ReasonNewConnection,
			SegmentIndex: -1,
			Host:         s.host,
		}})
	}

	// Bounded read, capped so we never pull bytes past the segment's
	// declared remaining length.
	bufSize := s.cfg.ChunkSize
	if rem := seg.Remaining(); rem >= 0 && rem < int64(bufSize) {
		bufSize = int(rem)
	}

	n, err := s.tr.ReadAvailable(s.buf[:bufSize])
	if err != nil {
		s.arena.Cancel(s.connID)
		return s.terminate(StepResult{Err: &domain.RetryableError{
			Reason:       domain.ReasonTransport,
			SegmentIndex: seg.Index,
			Host:         s.host,
			Err:          err,
		}})
	}

	final, err := s.pipeline.Decode(s.buf[:n])
	if err != nil {
		s.arena.Cancel(s.connID)
		return s.terminate(StepResult{Err: &domain.RetryableError{
			Reason:       domain.ReasonTransport,
			SegmentIndex: seg.Index,
			Host:         s.host,
			Err:          fmt.Errorf("decode: %w", err),
		}})
	}

	if len(final) > 0 {
		if werr := s.store.WriteAt(final, seg.PositionToWrite()); werr != nil {
			// Disk faults are not helped by a fresh connection.
			s.arena.Cancel(s.connID)
			return s.terminate(StepResult{Err: fmt.Errorf("write at %d: %w", seg.PositionToWrite(), werr)})
		}
		if s.cfg.PieceHashEnabled {
			if herr := seg.UpdateHash(seg.WrittenLength(), final); herr != nil {
				s.arena.Cancel(s.connID)
				return s.terminate(StepResult{Err: herr})
			}
		}
		if aerr := seg.UpdateWrittenLength(int64(len(final))); aerr != nil {
			s.arena.Cancel(s.connID)
			return s.terminate(StepResult{Err: aerr})
		}
	}

	// Throughput accounting uses wire bytes, not decoded bytes.
	if n > 0 {
		s.stats.AddBytes(int64(n))
	}

	if s.cfg.TotalLength != 0 && n == 0 {
		s.arena.Cancel(s.connID)
		return s.terminate(StepResult{Err: &domain.RetryableError{
			Reason:       domain.ReasonPrematureEOF,
			SegmentIndex: seg.Index,
			Host:         s.host,
			Err:          errGotEOF,
		}})
	}

	done := s.pipeline.TransferFinished() ||
		(!s.pipeline.TransferActive() && seg.Complete()) ||
		n == 0

	if !done {
		if serr := s.checkLowestSpeed(); serr != nil {
			s.arena.Cancel(s.connID)
			return s.terminate(StepResult{Err: serr})
		}
		return StepResult{Outcome: OutcomeContinue}
	}

	if ferr := s.pipeline.Finish(); ferr != nil {
		s.log.Debug("unit#%s - pipeline finalize: %v", s.unitID, ferr)
	}

	// Decoded output can trail the wire bytes by one cycle; after Finish the
	// decoder has settled, so one more drain collects whatever remains.
	tail, derr := s.pipeline.Decode(nil)
	if derr != nil {
		s.log.Debug("unit#%s - pipeline drain: %v", s.unitID, derr)
	}
	if len(tail) > 0 {
		if werr := s.store.WriteAt(tail, seg.PositionToWrite()); werr != nil {
			s.arena.Cancel(s.connID)
			return s.terminate(StepResult{Err: fmt.Errorf("write at %d: %w", seg.PositionToWrite(), werr)})
		}
		if s.cfg.PieceHashEnabled {
			if herr := seg.UpdateHash(seg.WrittenLength(), tail); herr != nil {
				s.arena.Cancel(s.connID)
				return s.terminate(StepResult{Err: herr})
			}
		}
		if aerr := seg.UpdateWrittenLength(int64(len(tail))); aerr != nil {
			s.arena.Cancel(s.connID)
			return s.terminate(StepResult{Err: aerr})
		}
	}

	s.log.Info("unit#%s - segment %d download completed", s.unitID, seg.Index)

	if s.pipeline.ContentActive() && !s.pipeline.ContentFinished() {
		// Some encoders tolerate trailing truncation, so this is a
		// diagnostic, not an error.
		s.log.Warn("unit#%s - transfer was completed, but the content decoder has not finished; the file may be broken on the server side", s.unitID)
	}

	return s.finishSegment(seg)
}

// finishSegment runs the completion path: integrity disposition, the final
// low-speed check, then the next-segment decision.
func (s *TransferStep) finishSegment(seg *segment.Segment) StepResult {
	expected := s.expectedHash(seg.Index)
	if s.cfg.PieceHashEnabled && expected != "" {
		actual, err := s.pieceHash(seg)
		if err != nil {
			s.arena.Cancel(s.connID)
			return s.terminate(StepResult{Err: err})
		}
		if verr := s.validatePieceHash(seg, expected, actual); verr != nil {
			return s.terminate(StepResult{Err: verr})
		}
	} else {
		s.arena.Complete(s.connID, seg)
	}

	// The original runs the floor check again after completion; a segment
	// that finished on a crawling connection still tears that connection
	// down. The data is already durable, only the transport is discarded.
	if serr := s.checkLowestSpeed(); serr != nil {
		return s.terminate(StepResult{Err: serr})
	}

	return s.prepareForNextSegment(seg)
}

// prepareForNextSegment decides what this unit does after completing a
// segment: finish the download, continue on the adjacent untouched segment,
// or surrender the connection.
func (s *TransferStep) prepareForNextSegment(seg *segment.Segment) StepResult {
	if s.arena.Finished() {
		if s.spawnCheck != nil {
			if u := s.spawnCheck(); u != nil {
				s.sched.Spawn(u)
			}
		}
		return s.terminate(StepResult{Outcome: OutcomeComplete})
	}

	next := s.arena.Next(s.connID, seg.Index+1)
	if next != nil && next.WrittenLength() == 0 {
		// The stream continues straight into the adjacent segment.
		// Decoder state is segment-scoped, so it is reset here.
		s.resetPipeline()
		return StepResult{Outcome: OutcomeContinue}
	}

	s.arena.Cancel(s.connID)
	return s.terminate(StepResult{Err: &domain.RetryableError{
		Reason:       domain.ReasonNewConnection,
		SegmentIndex: -1,
		Host:         s.host,
	}})
}

// validatePieceHash is the integrity disposition: a matching digest marks
// the segment complete; a mismatch discards the whole segment. A corrupt
// segment is never partially trusted.
func (s *TransferStep) validatePieceHash(seg *segment.Segment, expected, actual string) error {
	if actual == expected {
		s.log.Info("unit#%s - good chunk checksum %s", s.unitID, actual)
		s.arena.Complete(s.connID, seg)
		return nil
	}

	s.log.Info("unit#%s - invalid chunk checksum index=%d offset=%d expected=%s actual=%s",
		s.unitID, seg.Index, seg.Position, expected, actual)
	seg.Clear()
	s.arena.Cancel(s.connID)
	return &domain.RetryableError{
		Reason:       domain.ReasonChecksumMismatch,
		SegmentIndex: seg.Index,
		Host:         s.host,
	}
}

// pieceHash returns the segment's digest, preferring the rolling hash the
// transfer loop accumulated and falling back to re-reading storage.
func (s *TransferStep) pieceHash(seg *segment.Segment) (string, error) {
	if seg.HashCalculated() {
		s.log.Debug("unit#%s - hash is available, index=%d", s.unitID, seg.Index)
		return seg.HashString(), nil
	}

	data, err := s.store.ReadRange(seg.Position, seg.Length)
	if err != nil {
		return "", fmt.Errorf("reading back segment %d for digest: %w", seg.Index, err)
	}
	return digest.FromReader(s.cfg.HashAlgo, bytes.NewReader(data))
}

// checkLowestSpeed enforces the minimum speed floor once the startup grace
// period has elapsed.
func (s *TransferStep) checkLowestSpeed() error {
	if s.cfg.MinSpeed <= 0 {
		return nil
	}
	if s.stats.SinceStart() < s.cfg.StartupGrace {
		return nil
	}
	if speed := s.stats.Speed(); speed <= s.cfg.MinSpeed {
		return &domain.FatalError{Host: s.host, Speed: speed, Floor: s.cfg.MinSpeed}
	}
	return nil
}

func (s *TransferStep) expectedHash(index int) string {
	if index < 0 || index >= len(s.cfg.PieceHashes) {
		return ""
	}
	return s.cfg.PieceHashes[index]
}

func (s *TransferStep) resetPipeline() {
	if s.newPipeline != nil {
		s.pipeline = s.newPipeline()
	} else {
		s.pipeline = decode.NewPipeline(nil, nil)
	}
}

// terminate closes the transport on any terminal result.
func (s *TransferStep) terminate(res StepResult) StepResult {
	if err := s.tr.Close(); err != nil {
		s.log.Debug("unit#%s - closing transport: %v", s.unitID, err)
	}
	return res
}
