package engine

import (
	"context"
	"time"

	"github.com/corvid-dl/corvid/internal/infra/logger"
)

// Outcome is what a unit's step reports back to the scheduler.
type Outcome int

const (
	// OutcomeContinue means more data is expected; run the unit again.
	OutcomeContinue Outcome = iota

	// OutcomeComplete terminates the unit successfully.
	OutcomeComplete

	// OutcomeSuspended means the unit deferred itself (rate limited); run
	// it again after a short backoff.
	OutcomeSuspended
)

// StepResult carries a step's outcome. A non-nil Err terminates the unit;
// the session pattern-matches the error type to decide re-dispatch.
type StepResult struct {
	Outcome Outcome
	Err     error
}

// Unit is one resumable execution unit. Execute must perform a bounded
// amount of work and return without blocking indefinitely.
type Unit interface {
	ID() string
	Execute(ctx context.Context) StepResult
}

// suspendDelay is how long a rate-suspended unit waits before its next step.
const suspendDelay = 50 * time.Millisecond

// Scheduler drives units through repeated bounded steps on a single
// goroutine. Units never block each other beyond one step's work.
type Scheduler struct {
	units   chan Unit
	results chan error
	log     *logger.Logger
}

func NewScheduler(buffer int, log *logger.Logger) *Scheduler {
	return &Scheduler{
		units:   make(chan Unit, buffer),
		results: make(chan error, buffer),
		log:     log,
	}
}

// Spawn submits a new unit for execution.
func (s *Scheduler) Spawn(u Unit) {
	s.units <- u
}

// Resubmit re-enqueues a live unit for another step.
func (s *Scheduler) Resubmit(u Unit) {
	s.units <- u
}

// Results delivers one value per terminated unit: nil for success, the
// unit's typed error otherwise.
func (s *Scheduler) Results() <-chan error {
	return s.results
}

// Run executes steps until ctx is cancelled. It never blocks on a full
// results channel because the channel is sized for every unit the session
// can spawn.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-s.units:
			res := u.Execute(ctx)
			switch {
			case res.Err != nil:
				s.log.Debug("unit#%s terminated: %v", u.ID(), res.Err)
				s.results <- res.Err
			case res.Outcome == OutcomeComplete:
				s.log.Debug("unit#%s completed", u.ID())
				s.results <- nil
			case res.Outcome == OutcomeSuspended:
				// Deferral instead of sleep keeps the loop free for
				// other units while this one waits out the limiter.
				time.AfterFunc(suspendDelay, func() {
					select {
					case <-ctx.Done():
					case s.units <- u:
					}
				})
			default:
				s.Resubmit(u)
			}
		}
	}
}
