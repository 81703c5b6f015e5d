package engine

import (
	"context"
	"fmt"
	"hash"
	"io"

	"github.com/corvid-dl/corvid/internal/digest"
	"github.com/corvid-dl/corvid/internal/infra/logger"
)

// checkChunkSize bounds how much file data one integrity step hashes.
const checkChunkSize = 256 * 1024

// CheckIntegrityStep verifies the completed file against an expected digest.
// It is a scheduled unit of its own so the hashing happens in bounded steps
// like everything else, not in one long blocking pass.
type CheckIntegrityStep struct {
	unitID   string
	algo     string
	expected string

	r   io.ReadCloser
	h   hash.Hash
	buf []byte
	log *logger.Logger

	// onResult reports the verdict back to the session before the unit
	// terminates.
	onResult func(ok bool, actual string)
}

func NewCheckIntegrityStep(unitID string, r io.ReadCloser, algo, expected string, log *logger.Logger, onResult func(ok bool, actual string)) (*CheckIntegrityStep, error) {
	h := digest.New(algo)
	if h == nil {
		return nil, digest.ErrUnsupported
	}
	return &CheckIntegrityStep{
		unitID:   unitID,
		algo:     algo,
		expected: expected,
		r:        r,
		h:        h,
		buf:      make([]byte, checkChunkSize),
		log:      log,
		onResult: onResult,
	}, nil
}

func (c *CheckIntegrityStep) ID() string { return c.unitID }

func (c *CheckIntegrityStep) Execute(ctx context.Context) StepResult {
	n, err := c.r.Read(c.buf)
	if n > 0 {
		c.h.Write(c.buf[:n])
	}
	if err == nil {
		return StepResult{Outcome: OutcomeContinue}
	}

	c.r.Close()
	if err != io.EOF {
		return StepResult{Err: fmt.Errorf("integrity check read: %w", err)}
	}

	actual := digest.HexSum(c.h)
	ok := actual == c.expected
	if c.onResult != nil {
		c.onResult(ok, actual)
	}
	if !ok {
		c.log.Error("unit#%s - whole-file checksum failed: %s expected=%s actual=%s", c.unitID, c.algo, c.expected, actual)
		return StepResult{Err: fmt.Errorf("whole-file %s checksum mismatch: expected %s, got %s", c.algo, c.expected, actual)}
	}

	c.log.Info("unit#%s - whole-file checksum verified (%s)", c.unitID, c.algo)
	return StepResult{Outcome: OutcomeComplete}
}
