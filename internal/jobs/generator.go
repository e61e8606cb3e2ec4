// ============================================================================
// framejobs Jobs - generator adapter and suspension protocol
// ============================================================================
//
// Package: internal/jobs
// File: generator.go
// Purpose: Lets ordinary sequential Go code run as a job. The body runs as a
//          coroutine (iter.Pull) and suspends at explicit points only:
//
//   co.YieldNext()        -> Request{Yield}       answered with Response{None}
//   co.WaitFrame()        -> Request{Yield, next frame}, the step answers Skip
//   jobs.WithWorld(co, f) -> Request{WithWorld}   answered with Response{Value: f(w)}
//
// Each runner step fulfils the pending request against the world, resumes the body
// exactly once and keeps whatever it asks for next. The body never holds the world
// across a suspension point; it only sees it inside f.
//
// Cancellation stops the coroutine: the suspended call unwinds, so deferred cleanup
// in the body runs, and the body never resumes.
//
// ============================================================================

package jobs

import (
	"fmt"
	"iter"
	"reflect"

	"github.com/ChuLiYu/frame-jobs/internal/world"
)

// RequestKind distinguishes the two suspension requests
type RequestKind uint8

// Suspension requests
const (
	RequestYield RequestKind = iota
	RequestWithWorld
)

func (k RequestKind) String() string {
	if k == RequestWithWorld {
		return "with_world"
	}
	return "yield"
}

// Request is what a suspended generator asks of the runner
type Request struct {
	Kind      RequestKind
	Run       func(*world.World) any // set for RequestWithWorld
	NextFrame bool                   // RequestYield only: do not resume before the next frame
}

// ResponseKind distinguishes the two responses
type ResponseKind uint8

// Suspension responses
const (
	ResponseNone ResponseKind = iota
	ResponseValue
)

func (k ResponseKind) String() string {
	if k == ResponseValue {
		return "value"
	}
	return "none"
}

// Response is what the runner resumes a generator with
type Response struct {
	Kind  ResponseKind
	Value any
}

// Fulfil answers a request against the world
func Fulfil(w *world.World, req Request) Response {
	switch req.Kind {
	case RequestWithWorld:
		return Response{Kind: ResponseValue, Value: req.Run(w)}
	default:
		return Response{Kind: ResponseNone}
	}
}

// stopped unwinds a coroutine whose job was cancelled
type stopped struct{}

// ============================================================================
// Suspension handles
// ============================================================================

// Co is the suspension handle of a rich generator
type Co struct {
	yield func(Request) bool
	resp  Response
}

func (co *Co) suspend(req Request) Response {
	if !co.yield(req) {
		panic(stopped{})
	}
	return co.resp
}

// YieldNext suspends until the next step without touching the world
func (co *Co) YieldNext() {
	resp := co.suspend(Request{Kind: RequestYield})
	if resp.Kind != ResponseNone {
		panic(fmt.Sprintf("jobs: yield resumed with %s response", resp.Kind))
	}
}

// WaitFrame suspends until the next frame. The job answers Skip, so lower priority
// jobs get the rest of this frame.
func (co *Co) WaitFrame() {
	resp := co.suspend(Request{Kind: RequestYield, NextFrame: true})
	if resp.Kind != ResponseNone {
		panic(fmt.Sprintf("jobs: wait_frame resumed with %s response", resp.Kind))
	}
}

// WithWorld suspends, has f run once against the world on the next step and resumes
// with its return value
func WithWorld[T any](co *Co, f func(*world.World) T) T {
	resp := co.suspend(Request{
		Kind: RequestWithWorld,
		Run:  func(w *world.World) any { return f(w) },
	})
	if resp.Kind != ResponseValue {
		panic(fmt.Sprintf("jobs: with_world resumed with %s response", resp.Kind))
	}
	v, ok := resp.Value.(T)
	if !ok && resp.Value != nil {
		panic(fmt.Sprintf("jobs: with_world resumed with %T, want %s", resp.Value, reflect.TypeFor[T]()))
	}
	return v
}

// Yielder is the suspension handle of a simple generator. It can only give up the
// rest of the step.
type Yielder struct {
	co *Co
}

// Yield suspends until the next step
func (y *Yielder) Yield() {
	y.co.YieldNext()
}

// ============================================================================
// Adapter
// ============================================================================

// coroutine drives one generator body
type coroutine[S any] struct {
	co      *Co
	next    func() (Request, bool)
	stop    func()
	pending *Request

	value S
	err   error
}

func newCoroutine[S any](body func(co *Co) (S, error)) *coroutine[S] {
	c := &coroutine[S]{co: &Co{}}
	seq := func(yield func(Request) bool) {
		defer func() {
			if p := recover(); p != nil {
				if _, ok := p.(stopped); ok {
					return
				}
				panic(p)
			}
		}()
		c.co.yield = yield
		c.value, c.err = body(c.co)
	}
	c.next, c.stop = iter.Pull(iter.Seq[Request](seq))
	return c
}

// resume answers the pending request and runs the body up to its next suspension.
// It reports false once the body has returned.
func (c *coroutine[S]) resume(w *world.World) bool {
	if c.pending != nil {
		c.co.resp = Fulfil(w, *c.pending)
	} else {
		c.co.resp = Response{}
	}
	req, ok := c.next()
	if !ok {
		c.pending = nil
		return false
	}
	c.pending = &req
	return true
}

// step adapts the coroutine to the step protocol
func (c *coroutine[S]) step(w *world.World, _ any) outcome {
	if c.resume(w) {
		if c.pending.NextFrame {
			return outcome{kind: KindSkip}
		}
		return outcome{kind: KindContinue}
	}
	if c.err != nil {
		return outcome{kind: KindError, payload: c.err}
	}
	return outcome{kind: KindSuccess, payload: c.value}
}

// AddTask stages a rich generator job. The body may suspend with co.YieldNext() and
// jobs.WithWorld(co, f); its return value becomes the job result.
func AddTask[S any](s *Scheduler, priority int, body func(co *Co) (S, error)) JobHandle[struct{}, S, error] {
	c := newCoroutine(body)
	id := s.stage(priority, struct{}{}, c.step, c.stop)
	return JobHandle[struct{}, S, error]{id: id}
}

// AddAsync stages a simple generator job: every y.Yield() ends the step
func AddAsync[S any](s *Scheduler, priority int, body func(y *Yielder) (S, error)) JobHandle[struct{}, S, error] {
	return AddTask(s, priority, func(co *Co) (S, error) {
		return body(&Yielder{co: co})
	})
}
