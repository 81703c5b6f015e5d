package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/corvid-dl/corvid/internal/decode"
	"github.com/corvid-dl/corvid/internal/domain"
	"github.com/corvid-dl/corvid/internal/infra/logger"
	"github.com/corvid-dl/corvid/internal/segment"
	"github.com/corvid-dl/corvid/internal/stat"
	"github.com/corvid-dl/corvid/internal/transport"
)

const testHost = "files.example.com"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// memStore keeps writes in memory and records every write offset.
type memStore struct {
	mu      sync.Mutex
	data    []byte
	offsets []int64
}

func (m *memStore) WriteAt(p []byte, off int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if need := off + int64(len(p)); need > int64(len(m.data)) {
		m.data = append(m.data, make([]byte, need-int64(len(m.data)))...)
	}
	copy(m.data[off:], p)
	m.offsets = append(m.offsets, off)
	return nil
}

func (m *memStore) ReadRange(off, length int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, length)
	copy(out, m.data[off:])
	return out, nil
}

type faultStore struct{ memStore }

func (f *faultStore) WriteAt(p []byte, off int64) error {
	return errors.New("disk full")
}

type countingTransport struct {
	transport.Transport
	reads  atomic.Int64
	closed atomic.Bool
}

func (c *countingTransport) ReadAvailable(p []byte) (int, error) {
	c.reads.Add(1)
	return c.Transport.ReadAvailable(p)
}

func (c *countingTransport) Close() error {
	c.closed.Store(true)
	return c.Transport.Close()
}

func makeData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*31 + i>>8)
	}
	return data
}

type stepEnv struct {
	clock *fakeClock
	reg   *stat.Registry
	arena *segment.Arena
	store *memStore
	tr    *countingTransport
	sched *Scheduler
	step  *TransferStep
}

func newStepEnv(t *testing.T, payload []byte, totalLength, segmentSize int64, cfg StepConfig, mutate ...func(*TransferStepParams)) *stepEnv {
	t.Helper()

	env := &stepEnv{
		clock: newFakeClock(),
		store: &memStore{},
		sched: NewScheduler(16, logger.Nop()),
	}
	env.reg = stat.NewRegistry(stat.WithClock(env.clock.Now))
	env.arena = segment.NewArena(totalLength, segmentSize, env.reg)
	env.tr = &countingTransport{Transport: transport.NewReader(bytes.NewReader(payload), testHost)}

	require.NotNil(t, env.arena.Claim(0))

	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 16 * 1024
	}
	cfg.TotalLength = totalLength

	params := TransferStepParams{
		UnitID:    "t1",
		ConnID:    0,
		Transport: env.tr,
		Store:     env.store,
		Arena:     env.arena,
		Stats:     env.reg.GetOrCreate(0),
		Scheduler: env.sched,
		Config:    cfg,
		Log:       logger.Nop(),
	}
	for _, m := range mutate {
		m(&params)
	}
	env.step = NewTransferStep(params)
	return env
}

// runToTerminal executes steps until the unit completes or errors.
func (e *stepEnv) runToTerminal(t *testing.T, maxSteps int) (StepResult, int) {
	t.Helper()
	ctx := context.Background()
	for steps := 1; steps <= maxSteps; steps++ {
		res := e.step.Execute(ctx)
		if res.Err != nil || res.Outcome == OutcomeComplete {
			return res, steps
		}
	}
	t.Fatalf("unit did not terminate within %d steps", maxSteps)
	return StepResult{}, 0
}

func TestStepWritesChunksAtAdvancingOffsets(t *testing.T) {
	payload := makeData(32768)
	env := newStepEnv(t, payload, 32768, 32768, StepConfig{ChunkSize: 16384})
	ctx := context.Background()

	res := env.step.Execute(ctx)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeContinue, res.Outcome)
	assert.Equal(t, []int64{0}, env.store.offsets)

	res = env.step.Execute(ctx)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, []int64{0, 16384}, env.store.offsets)

	assert.Equal(t, payload, env.store.data)
	assert.True(t, env.arena.Finished())
	assert.True(t, env.tr.closed.Load())
	// Wire accounting saw every raw byte.
	assert.Equal(t, int64(32768), env.reg.TotalBytes())
}

func TestStepBoundedWorkPerInvocation(t *testing.T) {
	const total = 100_000
	const chunk = 16 * 1024
	payload := makeData(total)
	env := newStepEnv(t, payload, total, total, StepConfig{ChunkSize: chunk})

	res, steps := env.runToTerminal(t, 50)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeComplete, res.Outcome)

	// One bounded read per step: ceil(total/chunk) invocations, no more.
	assert.Equal(t, 7, steps)
	assert.Equal(t, payload, env.store.data)
}

func TestStepContinuesIntoAdjacentSegment(t *testing.T) {
	payload := makeData(32768)
	env := newStepEnv(t, payload, 32768, 16384, StepConfig{ChunkSize: 8192})

	res, steps := env.runToTerminal(t, 10)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeComplete, res.Outcome)

	// Two segments ride the same connection back to back.
	assert.Equal(t, 4, steps)
	assert.Equal(t, int64(4), env.tr.reads.Load())
	assert.Equal(t, payload, env.store.data)
	assert.True(t, env.arena.Finished())
}

func TestStepSurrendersWhenNextSegmentIsTaken(t *testing.T) {
	payload := makeData(32768)
	env := newStepEnv(t, payload, 32768, 16384, StepConfig{ChunkSize: 8192})

	// Another connection holds the adjacent segment.
	other := env.arena.Claim(99)
	require.NotNil(t, other)
	require.Equal(t, 1, other.Index)

	res, _ := env.runToTerminal(t, 10)
	require.Error(t, res.Err)

	var re *domain.RetryableError
	require.ErrorAs(t, res.Err, &re)
	assert.Equal(t, domain.ReasonNewConnection, re.Reason)
	assert.True(t, env.tr.closed.Load())

	// Its own segment finished for good before the surrender.
	assert.Equal(t, payload[:16384], env.store.data[:16384])
	assert.False(t, env.arena.Finished())
}

func TestStepLostLeaseSurrenders(t *testing.T) {
	env := newStepEnv(t, makeData(1024), 1024, 1024, StepConfig{})
	env.arena.Cancel(0)

	res := env.step.Execute(context.Background())
	require.Error(t, res.Err)

	var re *domain.RetryableError
	require.ErrorAs(t, res.Err, &re)
	assert.Equal(t, domain.ReasonNewConnection, re.Reason)
	assert.Equal(t, -1, re.SegmentIndex)
	assert.Zero(t, env.tr.reads.Load())
	assert.True(t, env.tr.closed.Load())
}

func TestStepPrematureEOF(t *testing.T) {
	// The server promised 32768 bytes but the stream dies after 10000.
	env := newStepEnv(t, makeData(10000), 32768, 32768, StepConfig{ChunkSize: 16384})
	ctx := context.Background()

	res := env.step.Execute(ctx)
	require.NoError(t, res.Err)
	require.Equal(t, OutcomeContinue, res.Outcome)

	res = env.step.Execute(ctx)
	require.Error(t, res.Err)

	var re *domain.RetryableError
	require.ErrorAs(t, res.Err, &re)
	assert.Equal(t, domain.ReasonPrematureEOF, re.Reason)
	assert.Equal(t, 0, re.SegmentIndex)
	assert.Equal(t, testHost, re.Host)

	// The zero-byte cycle wrote nothing and released the lease.
	assert.Equal(t, []int64{0}, env.store.offsets)
	assert.Nil(t, env.arena.Current(0))
	assert.True(t, env.tr.closed.Load())
}

func TestStepSuspendsAtSpeedCeiling(t *testing.T) {
	env := newStepEnv(t, makeData(65536), 65536, 65536, StepConfig{
		ChunkSize: 16384,
		MaxSpeed:  1000,
	})
	ctx := context.Background()

	// Recent traffic puts the session far over the ceiling.
	env.reg.GetOrCreate(0).AddBytes(100_000)
	env.clock.Advance(time.Second)

	res := env.step.Execute(ctx)
	assert.Equal(t, OutcomeSuspended, res.Outcome)
	require.NoError(t, res.Err)
	assert.Zero(t, env.tr.reads.Load())
	assert.Empty(t, env.store.offsets)

	// Once the burst ages out of the window, reads resume.
	env.clock.Advance(30 * time.Second)
	res = env.step.Execute(ctx)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeContinue, res.Outcome)
	assert.Equal(t, int64(1), env.tr.reads.Load())
}

func TestStepSuspendsOnLimiter(t *testing.T) {
	env := newStepEnv(t, makeData(1024), 65536, 65536, StepConfig{ChunkSize: 16384},
		func(p *TransferStepParams) {
			// A burst smaller than one chunk can never admit a read.
			p.Limiter = rate.NewLimiter(rate.Limit(1), 1)
		})

	res := env.step.Execute(context.Background())
	assert.Equal(t, OutcomeSuspended, res.Outcome)
	assert.Zero(t, env.tr.reads.Load())
}

func TestStepEnforcesMinimumSpeed(t *testing.T) {
	env := newStepEnv(t, makeData(1<<20), 1<<20, 1<<20, StepConfig{
		ChunkSize:    16384,
		MinSpeed:     1 << 20,
		StartupGrace: time.Second,
	})

	env.clock.Advance(2 * time.Second)
	res := env.step.Execute(context.Background())
	require.Error(t, res.Err)

	var fe *domain.FatalError
	require.ErrorAs(t, res.Err, &fe)
	assert.Equal(t, testHost, fe.Host)
	assert.Equal(t, int64(1<<20), fe.Floor)
	assert.Equal(t, int64(8192), fe.Speed)
	assert.True(t, domain.IsFatal(res.Err))

	// The chunk read before the verdict is still durable.
	assert.Equal(t, []int64{0}, env.store.offsets)
}

func TestStepMinimumSpeedGracePeriod(t *testing.T) {
	env := newStepEnv(t, makeData(1<<20), 1<<20, 1<<20, StepConfig{
		ChunkSize:    16384,
		MinSpeed:     1 << 20,
		StartupGrace: 10 * time.Second,
	})

	// Crawling, but still inside the grace window.
	env.clock.Advance(2 * time.Second)
	res := env.step.Execute(context.Background())
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeContinue, res.Outcome)
}

func TestStepPieceHashRollingMatch(t *testing.T) {
	payload := makeData(32768)
	h0 := sha256.Sum256(payload[:16384])
	h1 := sha256.Sum256(payload[16384:])

	env := newStepEnv(t, payload, 32768, 16384, StepConfig{
		ChunkSize:        8192,
		PieceHashEnabled: true,
		HashAlgo:         "sha256",
		PieceHashes:      []string{hex.EncodeToString(h0[:]), hex.EncodeToString(h1[:])},
	})
	env.arena.InitHashes("sha256")

	res, _ := env.runToTerminal(t, 10)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, payload, env.store.data)
	assert.True(t, env.arena.Finished())
}

func TestStepPieceHashReadBackMatch(t *testing.T) {
	payload := makeData(16384)
	h := sha256.Sum256(payload)

	// Without rolling digests the segment is re-read from storage.
	env := newStepEnv(t, payload, 16384, 16384, StepConfig{
		ChunkSize:        8192,
		PieceHashEnabled: true,
		HashAlgo:         "sha256",
		PieceHashes:      []string{hex.EncodeToString(h[:])},
	})

	res, _ := env.runToTerminal(t, 10)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.True(t, env.arena.Finished())
}

func TestStepPieceHashMismatchClearsSegment(t *testing.T) {
	payload := makeData(16384)
	env := newStepEnv(t, payload, 16384, 16384, StepConfig{
		ChunkSize:        16384,
		PieceHashEnabled: true,
		HashAlgo:         "sha256",
		PieceHashes:      []string{"deadbeef"},
	})
	env.arena.InitHashes("sha256")

	res, _ := env.runToTerminal(t, 10)
	require.Error(t, res.Err)

	var re *domain.RetryableError
	require.ErrorAs(t, res.Err, &re)
	assert.Equal(t, domain.ReasonChecksumMismatch, re.Reason)
	assert.Equal(t, 0, re.SegmentIndex)
	assert.True(t, domain.IsRetryable(res.Err))

	// The corrupt segment is fully discarded and claimable again.
	seg := env.arena.Claim(1)
	require.NotNil(t, seg)
	assert.Equal(t, 0, seg.Index)
	assert.Equal(t, int64(0), seg.WrittenLength())
	assert.False(t, env.arena.Finished())
	assert.True(t, env.tr.closed.Load())
}

func TestStepDiskFaultIsNotRetryable(t *testing.T) {
	env := newStepEnv(t, makeData(16384), 16384, 16384, StepConfig{ChunkSize: 16384},
		func(p *TransferStepParams) {
			p.Store = &faultStore{}
		})

	res := env.step.Execute(context.Background())
	require.Error(t, res.Err)
	assert.False(t, domain.IsRetryable(res.Err))
	assert.False(t, domain.IsFatal(res.Err))
	assert.Nil(t, env.arena.Current(0))
	assert.True(t, env.tr.closed.Load())
}

func TestStepGzipContentDecoding(t *testing.T) {
	plain := makeData(50_000)
	var wire bytes.Buffer
	zw := gzip.NewWriter(&wire)
	_, err := zw.Write(plain)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	// An unsized stream; the end is signaled by the transport, the decoded
	// length is discovered as it lands.
	env := newStepEnv(t, wire.Bytes(), 0, 0, StepConfig{ChunkSize: 4096},
		func(p *TransferStepParams) {
			cd, cerr := decode.ForEncoding("gzip")
			require.NoError(t, cerr)
			p.Pipeline = decode.NewPipeline(nil, cd)
		})

	res, _ := env.runToTerminal(t, 100)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, plain, env.store.data)
	// Throughput accounting counted wire bytes, not decoded output.
	assert.Equal(t, int64(wire.Len()), env.reg.TotalBytes())
}

func TestStepTruncatedContentCompletesWithWarning(t *testing.T) {
	plain := makeData(50_000)
	var wire bytes.Buffer
	zw := gzip.NewWriter(&wire)
	_, err := zw.Write(plain)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	// The trailer never arrives. The transfer itself still ends cleanly,
	// so the unit completes and only flags the payload as suspect.
	truncated := wire.Bytes()[:wire.Len()-8]
	env := newStepEnv(t, truncated, 0, 0, StepConfig{ChunkSize: 4096},
		func(p *TransferStepParams) {
			cd, cerr := decode.ForEncoding("gzip")
			require.NoError(t, cerr)
			p.Pipeline = decode.NewPipeline(nil, cd)
		})

	res, _ := env.runToTerminal(t, 100)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.True(t, bytes.HasPrefix(plain, env.store.data))
}

func TestStepChunkedTransferFraming(t *testing.T) {
	plain := makeData(30_000)
	var wire bytes.Buffer
	for i := 0; i < len(plain); i += 1000 {
		end := i + 1000
		if end > len(plain) {
			end = len(plain)
		}
		wire.WriteString("3e8\r\n")
		wire.Write(plain[i:end])
		wire.WriteString("\r\n")
	}
	wire.WriteString("0\r\n\r\n")

	// The framing's own terminator ends the segment, not a byte count.
	env := newStepEnv(t, wire.Bytes(), 0, 0, StepConfig{ChunkSize: 4096},
		func(p *TransferStepParams) {
			p.Pipeline = decode.NewPipeline(decode.NewChunkedDecoder(), nil)
		})

	res, _ := env.runToTerminal(t, 100)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, plain, env.store.data)
}

func TestStepChunkedGzipContentEndsEarly(t *testing.T) {
	plain := makeData(40_000)
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write(plain)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	// The compressed stream is cut short, but the framing around it still
	// terminates properly: the framing decides when the transfer is over.
	compressed := gz.Bytes()[:gz.Len()-8]
	var wire bytes.Buffer
	for i := 0; i < len(compressed); i += 1000 {
		end := i + 1000
		if end > len(compressed) {
			end = len(compressed)
		}
		fmt.Fprintf(&wire, "%x\r\n", end-i)
		wire.Write(compressed[i:end])
		wire.WriteString("\r\n")
	}
	wire.WriteString("0\r\n\r\n")

	env := newStepEnv(t, wire.Bytes(), 0, 0, StepConfig{ChunkSize: 4096},
		func(p *TransferStepParams) {
			cd, cerr := decode.ForEncoding("gzip")
			require.NoError(t, cerr)
			p.Pipeline = decode.NewPipeline(decode.NewChunkedDecoder(), cd)
		})

	res, _ := env.runToTerminal(t, 100)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.True(t, env.step.pipeline.TransferFinished())
	assert.False(t, env.step.pipeline.ContentFinished())
	assert.True(t, bytes.HasPrefix(plain, env.store.data))
}

func TestStepSpawnsVerificationUnit(t *testing.T) {
	var spawned atomic.Bool
	checkUnit := &scriptedUnit{id: "check"}

	env := newStepEnv(t, makeData(16384), 16384, 16384, StepConfig{ChunkSize: 16384},
		func(p *TransferStepParams) {
			p.SpawnCheck = func() Unit {
				spawned.Store(true)
				return checkUnit
			}
		})

	res, _ := env.runToTerminal(t, 10)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.True(t, spawned.Load())

	select {
	case u := <-env.sched.units:
		assert.Same(t, Unit(checkUnit), u)
	default:
		t.Fatal("verification unit was not scheduled")
	}
}
