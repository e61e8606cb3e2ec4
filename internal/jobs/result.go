// ============================================================================
// framejobs Jobs - step protocol
// ============================================================================
//
// Package: internal/jobs
// File: result.go
// Purpose: The contract every job satisfies. A step receives the current work
//          value and answers with one of four outcomes:
//
//   Continue(work)  - run me again, possibly later this frame
//   Skip(work)      - run me again, but not before next frame
//   Success(value)  - terminal, value goes to the finished store
//   Error(err)      - terminal, err goes to the finished store
//
// Type parameters:
//   W = work value carried between steps
//   S = success payload
//   E = error payload
//
// The constructors order their type parameters so that the payload type is
// inferred and only the other two must be written, e.g.
//
//   return jobs.Continue[string, error](n + 1)
//   return jobs.Succeed[int, error]("done")
//
// ============================================================================

package jobs

import (
	"fmt"

	"github.com/ChuLiYu/frame-jobs/internal/world"
	"github.com/ChuLiYu/frame-jobs/pkg/types"
)

// Kind tells the runner what to do with a job after a step
type Kind uint8

// Step outcomes
const (
	KindContinue Kind = iota
	KindSkip
	KindSuccess
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindContinue:
		return "continue"
	case KindSkip:
		return "skip"
	case KindSuccess:
		return "success"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// WorkResult is the answer of one step
type WorkResult[W, S, E any] struct {
	Kind  Kind
	Work  W // valid for KindContinue and KindSkip
	Value S // valid for KindSuccess
	Err   E // valid for KindError
}

// StepFunc advances a job by one step
type StepFunc[W, S, E any] func(w *world.World, work W) WorkResult[W, S, E]

// Continue keeps the job runnable in the current frame
func Continue[S, E, W any](work W) WorkResult[W, S, E] {
	return WorkResult[W, S, E]{Kind: KindContinue, Work: work}
}

// Skip parks the job until the next frame
func Skip[S, E, W any](work W) WorkResult[W, S, E] {
	return WorkResult[W, S, E]{Kind: KindSkip, Work: work}
}

// Succeed finishes the job with a success value
func Succeed[W, E, S any](value S) WorkResult[W, S, E] {
	return WorkResult[W, S, E]{Kind: KindSuccess, Value: value}
}

// Fail finishes the job with an error value
func Fail[W, S, E any](err E) WorkResult[W, S, E] {
	return WorkResult[W, S, E]{Kind: KindError, Err: err}
}

// ============================================================================
// Handles and claimed results
// ============================================================================

// JobHandle identifies a job and remembers its payload types. It carries no runtime
// state; the types are only used to recover typed values at claim time.
type JobHandle[W, S, E any] struct {
	id types.JobID
}

// ID returns the job identity
func (h JobHandle[W, S, E]) ID() types.JobID {
	return h.id
}

func (h JobHandle[W, S, E]) String() string {
	return h.id.String()
}

// Result is a claimed terminal outcome
type Result[S, E any] struct {
	Value  S
	Err    E
	Failed bool
}

// Succeeded reports whether the job finished with Success
func (r Result[S, E]) Succeeded() bool {
	return !r.Failed
}

// JobFinished is the completion event, announced once per job after its result is
// stored
type JobFinished struct {
	ID types.JobID
}

// ============================================================================
// Type erasure
// ============================================================================

// outcome is a WorkResult with its payloads boxed
type outcome struct {
	kind    Kind
	payload any // work for Continue/Skip, value for Success, err for Error
}

type erasedStep func(w *world.World, work any) outcome

// erase wraps a typed step so heterogeneous jobs can share one queue
func erase[W, S, E any](step StepFunc[W, S, E]) erasedStep {
	return func(w *world.World, work any) outcome {
		res := step(w, unbox[W](work))
		switch res.Kind {
		case KindContinue, KindSkip:
			return outcome{kind: res.Kind, payload: res.Work}
		case KindSuccess:
			return outcome{kind: KindSuccess, payload: res.Value}
		case KindError:
			return outcome{kind: KindError, payload: res.Err}
		default:
			panic(fmt.Sprintf("jobs: step returned unknown result kind %d", res.Kind))
		}
	}
}

// unbox recovers a typed value. A nil box is the zero value (interface payloads
// stored as nil); any other mismatch panics.
func unbox[T any](v any) T {
	if v == nil {
		var zero T
		return zero
	}
	return v.(T)
}
