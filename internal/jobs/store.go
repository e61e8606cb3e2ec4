package jobs

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/frame-jobs/pkg/types"
)

// ErrJobNotFound is returned when a job has no claimable result
var ErrJobNotFound = errors.New("job not found")

// TryClaim takes the finished result of a job. The result is removed, so a second
// claim reports not found.
func TryClaim[W, S, E any](r *Runner, h JobHandle[W, S, E]) (Result[S, E], bool) {
	res, ok := r.finished[h.id]
	if !ok {
		return Result[S, E]{}, false
	}
	delete(r.finished, h.id)
	return typed[S, E](res), true
}

// MustClaim takes the finished result of a job that is known to have finished (for
// example from inside a completion listener). Claiming a job that never finished or
// was already claimed is a protocol violation and panics.
func MustClaim[W, S, E any](r *Runner, h JobHandle[W, S, E]) Result[S, E] {
	res, ok := TryClaim(r, h)
	if !ok {
		panic(fmt.Sprintf("jobs: claim %s: %v", h.id, ErrJobNotFound))
	}
	return res
}

// Then claims the job result as soon as the job finishes and hands it to fn. If the
// result is already claimable, fn runs immediately. Cancelling the job drops fn, and
// so does calling Then for a job that was already claimed or cancelled.
func Then[W, S, E any](r *Runner, h JobHandle[W, S, E], fn func(Result[S, E])) {
	claim := func() {
		if res, ok := TryClaim(r, h); ok {
			fn(res)
		}
	}
	switch Progress(r, h).State {
	case types.StatusSucceeded, types.StatusFailed:
		claim()
	case types.StatusUnknown:
	default:
		r.watchers[h.id] = claim
	}
}

func typed[S, E any](res finishedResult) Result[S, E] {
	if res.failed {
		return Result[S, E]{Err: unbox[E](res.payload), Failed: true}
	}
	return Result[S, E]{Value: unbox[S](res.payload)}
}

// ============================================================================
// Progress
// ============================================================================

// Status is the externally visible state of a job
type Status[W any] struct {
	State types.JobStatus
	Work  W // current work value while the job is in progress
}

// Progress reports where a job is in its lifecycle without claiming it
func Progress[W, S, E any](r *Runner, h JobHandle[W, S, E]) Status[W] {
	if res, ok := r.finished[h.id]; ok {
		if res.failed {
			return Status[W]{State: types.StatusFailed}
		}
		return Status[W]{State: types.StatusSucceeded}
	}
	if rec, ok := r.running[h.id]; ok && !rec.cancelled {
		return Status[W]{State: types.StatusInProgress, Work: unbox[W](rec.work)}
	}
	if r.sched.isStaged(h.id) {
		return Status[W]{State: types.StatusNotStarted}
	}
	return Status[W]{State: types.StatusUnknown}
}
