// ============================================================================
// framejobs Jobs - scheduler intake
// ============================================================================
//
// Package: internal/jobs
// File: scheduler.go
// Purpose: Accepts new jobs, assigns identities and stages them. The runner drains
//          the staging list once per frame (admission).
//
// Intake never fails and never validates the priority: any int is legal and a lower
// number runs sooner. Intake is safe to call from any goroutine; everything else in
// the package runs on the frame goroutine.
//
// ============================================================================

package jobs

import (
	"sync"

	"github.com/ChuLiYu/frame-jobs/pkg/types"
)

// record is the type-erased job as it flows from intake through the runner
type record struct {
	id       types.JobID
	priority int
	work     any
	step     erasedStep
	teardown func()

	index     int // position in the run queue, -1 when not queued
	cancelled bool
}

// Scheduler is the intake side of the job system
type Scheduler struct {
	mu     sync.Mutex
	nextID types.JobID
	staged []*record
	added  uint64
}

// NewScheduler creates an empty Scheduler
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Add stages a job built from a step function
//
// Parameters:
//   - s: intake to stage the job on
//   - priority: lower values run sooner, negatives are allowed
//   - initial: work value passed to the first step
//   - step: the step function
//
// Returns:
//   - JobHandle: identity plus payload types, used to cancel, track and claim
func Add[W, S, E any](s *Scheduler, priority int, initial W, step StepFunc[W, S, E]) JobHandle[W, S, E] {
	id := s.stage(priority, initial, erase(step), nil)
	return JobHandle[W, S, E]{id: id}
}

func (s *Scheduler) stage(priority int, work any, step erasedStep, teardown func()) types.JobID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.added++
	s.staged = append(s.staged, &record{
		id:       s.nextID,
		priority: priority,
		work:     work,
		step:     step,
		teardown: teardown,
		index:    -1,
	})
	return s.nextID
}

// drain hands every staged job to the caller
func (s *Scheduler) drain() []*record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.staged
	s.staged = nil
	return out
}

// withdraw removes a staged job that has not been admitted yet
func (s *Scheduler) withdraw(id types.JobID) *record {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, rec := range s.staged {
		if rec.id == id {
			s.staged = append(s.staged[:i], s.staged[i+1:]...)
			return rec
		}
	}
	return nil
}

// withdrawAll removes every staged job
func (s *Scheduler) withdrawAll() []*record {
	return s.drain()
}

// isStaged reports whether the job is waiting for admission
func (s *Scheduler) isStaged(id types.JobID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.staged {
		if rec.id == id {
			return true
		}
	}
	return false
}

// Pending returns the number of staged jobs
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.staged)
}

// Added returns the number of jobs ever staged
func (s *Scheduler) Added() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.added
}
