package domain

import (
	"errors"
	"fmt"
)

// RetryReason classifies why a transfer unit gave up its connection.
type RetryReason string

const (
	// ReasonPrematureEOF means the remote closed the stream before the
	// expected number of bytes arrived.
	ReasonPrematureEOF RetryReason = "premature_eof"

	// ReasonChecksumMismatch means a segment failed its piece hash check
	// and was cleared for re-download.
	ReasonChecksumMismatch RetryReason = "checksum_mismatch"

	// ReasonNewConnection means the unit finished its segment but the next
	// assignable segment is not adjacent, so a fresh connection is needed.
	ReasonNewConnection RetryReason = "new_connection"

	// ReasonTransport covers read failures where retrying with a new
	// connection is expected to succeed.
	ReasonTransport RetryReason = "transport"
)

// RetryableError signals that the download should be re-attempted with a
// fresh connection and/or segment. The session decides the re-dispatch.
type RetryableError struct {
	Reason       RetryReason
	SegmentIndex int // -1 when no segment is implicated
	Host         string
	Err          error
}

func (e *RetryableError) Error() string {
	msg := fmt.Sprintf("retryable transfer fault (%s)", e.Reason)
	if e.SegmentIndex >= 0 {
		msg += fmt.Sprintf(" segment=%d", e.SegmentIndex)
	}
	if e.Host != "" {
		msg += fmt.Sprintf(" host=%s", e.Host)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RetryableError) Unwrap() error { return e.Err }

// FatalError tears down this connection. It names the host and the measured
// speed so the operator can see which peer fell below the configured floor.
// The download itself may still continue on a different connection.
type FatalError struct {
	Host  string
	Speed int64 // bytes/sec measured
	Floor int64 // bytes/sec configured minimum
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("too slow downloading from %s: %d bytes/sec <= lowest limit %d bytes/sec", e.Host, e.Speed, e.Floor)
}

// IsRetryable reports whether err (or anything it wraps) is a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsFatal reports whether err (or anything it wraps) is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
