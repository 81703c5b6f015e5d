package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/ksuid"
	"golang.org/x/time/rate"

	"github.com/corvid-dl/corvid/internal/decode"
	"github.com/corvid-dl/corvid/internal/digest"
	"github.com/corvid-dl/corvid/internal/domain"
	"github.com/corvid-dl/corvid/internal/infra/config"
	"github.com/corvid-dl/corvid/internal/infra/logger"
	"github.com/corvid-dl/corvid/internal/segment"
	"github.com/corvid-dl/corvid/internal/stat"
	"github.com/corvid-dl/corvid/internal/storage"
	"github.com/corvid-dl/corvid/internal/transport"
)

// SessionOptions carry the per-download inputs that don't live in config.
type SessionOptions struct {
	URL     string
	OutPath string // empty = derive from the response under out_dir

	// Checksum is an optional whole-file digest in "algo:hex" form.
	Checksum string

	// PieceHashes are optional expected hex digests, one per segment in
	// index order, supplied out-of-band. Their segmentation must match
	// download.segment_size.
	PieceHashes []string
}

// Session runs one download from probe to finished file: it builds the
// segment arena, opens one transfer unit per connection, drives the
// cooperative scheduler, and re-dispatches fresh connections when units
// surrender retryably.
type Session struct {
	ID  string
	cfg *config.Config
	log *logger.Logger

	opts      SessionOptions
	connector *transport.HTTPConnector

	stats   *stat.Registry
	arena   *segment.Arena
	file    *storage.File
	sched   *Scheduler
	limiter *rate.Limiter

	live     atomic.Int64
	nextConn atomic.Int64

	checksumAlgo string
	checksumHex  string
	checkOnce    sync.Once

	hashAlgo         string
	pieceHashEnabled bool

	redispatchErrs chan error

	mu          sync.Mutex
	state       domain.DownloadState
	outPath     string
	totalLength int64
	startedAt   time.Time
	finalDigest string
}

func NewSession(cfg *config.Config, log *logger.Logger, connector *transport.HTTPConnector, opts SessionOptions) (*Session, error) {
	s := &Session{
		ID:        ksuid.New().String(),
		cfg:       cfg,
		log:       log.Component("session"),
		opts:      opts,
		connector: connector,
		stats:     stat.NewRegistry(),
		state:     domain.StateDownloading,
	}

	if opts.Checksum != "" {
		algo, hex, ok := strings.Cut(opts.Checksum, ":")
		if !ok || !digest.Supported(algo) || hex == "" {
			return nil, fmt.Errorf("invalid checksum %q, want algo:hex with algo one of sha256/sha1/md5", opts.Checksum)
		}
		s.checksumAlgo, s.checksumHex = algo, strings.ToLower(hex)
	}

	// Piece hashing is a capability resolved here, not a build decision:
	// an unsupported algorithm degrades to no validation.
	s.hashAlgo = cfg.PieceHash.Algorithm
	s.pieceHashEnabled = cfg.PieceHash.Enabled && len(opts.PieceHashes) > 0
	if s.pieceHashEnabled && !digest.Supported(s.hashAlgo) {
		s.log.Warn("piece hashing disabled: unsupported algorithm %q", s.hashAlgo)
		s.pieceHashEnabled = false
	}

	if cfg.Download.MaxSpeed > 0 {
		burst := cfg.Download.ChunkSize * 4
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Download.MaxSpeed), burst)
	}

	return s, nil
}

// Run drives the download to a terminal state and returns its record. The
// returned error, when non-nil, is also reflected in the record.
func (s *Session) Run(ctx context.Context) (*domain.DownloadRecord, error) {
	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	record, err := s.run(ctx)
	if err != nil {
		s.setState(domain.StateFailed)
		record.State = domain.StateFailed
		record.Error = err.Error()
	} else {
		s.setState(domain.StateCompleted)
		record.State = domain.StateCompleted
	}
	record.FinishedAt = time.Now()
	return record, err
}

func (s *Session) run(ctx context.Context) (*domain.DownloadRecord, error) {
	record := &domain.DownloadRecord{
		ID:        s.ID,
		URL:       s.opts.URL,
		StartedAt: time.Now(),
	}

	info, err := s.connector.Probe(ctx, s.opts.URL)
	if err != nil {
		// Some servers reject HEAD; carry on with an unknown length.
		s.log.Warn("probe failed, assuming unknown length: %v", err)
		info = &transport.Info{}
	}

	outPath := s.opts.OutPath
	if outPath == "" {
		outPath = filepath.Join(s.cfg.Download.OutDir, info.Filename)
	}
	record.OutPath = outPath

	file, err := storage.Open(outPath)
	if err != nil {
		return record, err
	}
	defer file.Close()

	connections := s.cfg.Download.Connections
	segmentSize := s.cfg.Download.SegmentSize
	if info.Length == 0 || !info.AcceptRanges {
		// Without a length or range support there is nothing to split.
		connections = 1
		segmentSize = info.Length
		if segmentSize == 0 {
			segmentSize = 1
		}
	}

	s.mu.Lock()
	s.file = file
	s.outPath = outPath
	s.totalLength = info.Length
	s.arena = segment.NewArena(info.Length, segmentSize, s.stats)
	s.mu.Unlock()
	record.TotalBytes = info.Length

	if info.Length > 0 {
		if err := file.Preallocate(info.Length); err != nil {
			return record, fmt.Errorf("preallocate: %w", err)
		}
	}
	if s.pieceHashEnabled {
		s.arena.InitHashes(s.hashAlgo)
	}

	s.sched = NewScheduler(connections*2+s.cfg.Download.MaxRetries+4, s.log)
	s.redispatchErrs = make(chan error, connections+s.cfg.Download.MaxRetries+4)

	// Connection records live as long as the session; once it ends the
	// snapshot must not report stale per-connection rows.
	defer func() {
		for _, p := range s.stats.All() {
			s.stats.Remove(p.ID())
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.sched.Run(runCtx)

	s.log.Info("starting download %s (%d bytes, %d connections)", s.opts.URL, info.Length, connections)

	spawned := 0
	for i := 0; i < connections; i++ {
		ok, derr := s.dispatch(runCtx)
		if derr != nil {
			s.log.Warn("opening connection: %v", derr)
			continue
		}
		if ok {
			spawned++
		}
	}
	if spawned == 0 {
		return record, fmt.Errorf("could not open any connection to %s", s.opts.URL)
	}

	err = s.collect(ctx, runCtx, cancel)

	record.BytesWritten = s.arena.BytesWritten()
	s.mu.Lock()
	record.Digest = s.finalDigest
	s.mu.Unlock()

	if err != nil {
		return record, err
	}
	if !s.arena.Finished() {
		return record, fmt.Errorf("download ended with incomplete segments")
	}
	if s.totalLength == 0 {
		// An unsized download over a file left by an earlier, longer
		// attempt keeps the stale tail unless we trim to the cursor.
		if terr := file.Truncate(s.arena.BytesWritten()); terr != nil {
			return record, fmt.Errorf("truncate: %w", terr)
		}
	}
	return record, nil
}

// collect drains unit results, deciding per typed error whether to
// re-dispatch a fresh connection or give up.
func (s *Session) collect(ctx, runCtx context.Context, cancel context.CancelFunc) error {
	attempts := 0
	var finalErr error

	for s.live.Load() > 0 {
		var unitErr error
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-runCtx.Done():
			// The run was torn down; units still suspended or queued will
			// never deliver a result, so waiting on live would hang.
			if finalErr != nil {
				return finalErr
			}
			return ctx.Err()
		case unitErr = <-s.sched.Results():
		case unitErr = <-s.redispatchErrs:
		}
		s.live.Add(-1)

		if unitErr == nil || finalErr != nil {
			continue
		}
		if !domain.IsRetryable(unitErr) && !domain.IsFatal(unitErr) {
			finalErr = unitErr
			cancel()
			continue
		}
		if s.arena.Finished() {
			// The failing unit had nothing left to contribute.
			continue
		}
		// A clean segment handoff opens a fresh connection without
		// consuming the retry budget; real faults count and back off
		// like the worker retry loop: 2s, 4s, 8s...
		var delay time.Duration
		var re *domain.RetryableError
		if !errors.As(unitErr, &re) || re.Reason != domain.ReasonNewConnection {
			if attempts >= s.cfg.Download.MaxRetries {
				s.log.Error("segment transfer permanently failed: %v", unitErr)
				finalErr = unitErr
				cancel()
				continue
			}
			attempts++
			delay = time.Duration(math.Pow(2, float64(attempts))) * time.Second
			s.log.Warn("[retry] attempt %d/%d in %s: %v", attempts, s.cfg.Download.MaxRetries, delay, unitErr)
		}

		// Reserve a live slot so the loop outlasts the timer; dispatch
		// takes its own slot for the unit it spawns.
		s.live.Add(1)
		time.AfterFunc(delay, func() {
			_, derr := s.dispatch(runCtx)
			if derr != nil {
				s.redispatchErrs <- &domain.RetryableError{Reason: domain.ReasonTransport, SegmentIndex: -1, Err: derr}
				return
			}
			s.redispatchErrs <- nil
		})
	}
	return finalErr
}

// dispatch claims a segment for a fresh connection id and spawns its
// transfer unit. Returns false when no segment is claimable.
func (s *Session) dispatch(ctx context.Context) (bool, error) {
	connID := int(s.nextConn.Add(1) - 1)

	seg := s.arena.Claim(connID)
	if seg == nil {
		return false, nil
	}

	start := seg.Position + seg.WrittenLength()
	var end int64 = -1
	if s.totalLength > 0 {
		end = s.totalLength - 1
	}

	tr, encoding, err := s.connector.Open(ctx, s.opts.URL, start, end)
	if err != nil {
		s.arena.Cancel(connID)
		return false, err
	}

	cd, err := decode.ForEncoding(encoding)
	if err != nil {
		tr.Close()
		s.arena.Cancel(connID)
		return false, err
	}

	var spawnCheck func() Unit
	if s.checksumHex != "" {
		spawnCheck = s.makeCheckUnit
	}

	unit := NewTransferStep(TransferStepParams{
		UnitID:    ksuid.New().String(),
		ConnID:    connID,
		Transport: tr,
		Pipeline:  decode.NewPipeline(nil, cd),
		NewPipeline: func() *decode.Pipeline {
			// Adjacent continuation is a ranged identity stream.
			return decode.NewPipeline(nil, nil)
		},
		Store:     s.file,
		Arena:     s.arena,
		Stats:     s.stats.GetOrCreate(connID),
		Scheduler: s.sched,
		Limiter:   s.limiter,
		Config: StepConfig{
			ChunkSize:        s.cfg.Download.ChunkSize,
			MaxSpeed:         s.cfg.Download.MaxSpeed,
			MinSpeed:         s.cfg.Download.MinSpeed,
			StartupGrace:     s.cfg.Download.StartupGrace,
			TotalLength:      s.totalLength,
			PieceHashEnabled: s.pieceHashEnabled,
			HashAlgo:         s.hashAlgo,
			PieceHashes:      s.opts.PieceHashes,
		},
		Log:        s.log,
		SpawnCheck: spawnCheck,
	})

	s.live.Add(1)
	s.sched.Spawn(unit)
	return true, nil
}

// makeCheckUnit builds the whole-file verification unit exactly once, when
// the last segment completes.
func (s *Session) makeCheckUnit() Unit {
	var unit Unit
	s.checkOnce.Do(func() {
		r, err := s.file.Reader()
		if err != nil {
			s.log.Error("cannot reopen %s for verification: %v", s.outPath, err)
			return
		}
		u, err := NewCheckIntegrityStep(ksuid.New().String(), r, s.checksumAlgo, s.checksumHex, s.log, func(ok bool, actual string) {
			s.mu.Lock()
			s.finalDigest = s.checksumAlgo + ":" + actual
			s.mu.Unlock()
		})
		if err != nil {
			r.Close()
			s.log.Error("verification setup: %v", err)
			return
		}
		s.setState(domain.StateVerifying)
		s.live.Add(1)
		unit = u
	})
	return unit
}

func (s *Session) setState(state domain.DownloadState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Snapshot is the live view served by the status API.
func (s *Session) Snapshot() *domain.Snapshot {
	s.mu.Lock()
	snap := &domain.Snapshot{
		ID:         s.ID,
		URL:        s.opts.URL,
		OutPath:    s.outPath,
		State:      s.state,
		TotalBytes: s.totalLength,
		StartedAt:  s.startedAt,
	}
	arena := s.arena
	s.mu.Unlock()

	if arena != nil {
		snap.Written = arena.BytesWritten()
	}
	for _, p := range s.stats.All() {
		snap.Connections = append(snap.Connections, domain.ConnectionSnapshot{
			ID:       p.ID(),
			Bytes:    p.Total(),
			Speed:    p.Speed(),
			AvgSpeed: p.AvgSpeed(),
		})
		snap.Speed += p.Speed()
	}
	return snap
}
