package jobs

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/frame-jobs/internal/frame"
	"github.com/ChuLiYu/frame-jobs/internal/world"
	"github.com/ChuLiYu/frame-jobs/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type testRig struct {
	sched  *Scheduler
	runner *Runner
	timer  *frame.Timer
	world  *world.World
}

// newTestRig builds a runner whose frame clock advances by tick on every read.
// With the default config the budget is 11ms, so a 1ms tick allows 10 opportunistic
// steps per frame; a zero tick never exhausts the budget.
func newTestRig(t *testing.T, tick time.Duration) *testRig {
	t.Helper()

	clock := &frame.StepClock{Current: time.Unix(0, 0), Step: tick}
	timer := frame.NewTimerWithClock(clock.Now)
	w := world.New()
	sched := NewScheduler()
	return &testRig{
		sched:  sched,
		runner: NewRunner(sched, w, timer, DefaultConfig()),
		timer:  timer,
		world:  w,
	}
}

func (r *testRig) frame() types.FrameStats {
	r.timer.BeginFrame()
	return r.runner.RunFrame()
}

// countTo returns a step that counts its work up to n and then succeeds with it
func countTo(n int) StepFunc[int, int, error] {
	return func(_ *world.World, work int) WorkResult[int, int, error] {
		work++
		if work >= n {
			return Succeed[int, error](work)
		}
		return Continue[int, error](work)
	}
}

// forever never finishes and counts its calls
func forever(calls *int) StepFunc[int, int, error] {
	return func(_ *world.World, work int) WorkResult[int, int, error] {
		*calls++
		return Continue[int, error](work + 1)
	}
}

// ============================================================================
// Priority ordering and budget
// ============================================================================

func TestRunner_PriorityScenario(t *testing.T) {
	rig := newTestRig(t, time.Millisecond)

	h100 := Add(rig.sched, 100, 0, countTo(10))
	hm10 := Add(rig.sched, -10, 0, countTo(10))
	h0 := Add(rig.sched, 0, 0, countTo(10))
	h1 := Add(rig.sched, 1, 0, countTo(10))

	stats := rig.frame()
	assert.Equal(t, 4, stats.Admitted)
	assert.Equal(t, 15, stats.Steps, "5 guaranteed + 10 within an 11ms budget")
	assert.Equal(t, 1, stats.Succeeded)

	// -10 ran to completion first, 0 got the remaining steps
	assert.Equal(t, types.StatusSucceeded, Progress(rig.runner, hm10).State)
	p0 := Progress(rig.runner, h0)
	assert.Equal(t, types.StatusInProgress, p0.State)
	assert.Equal(t, 5, p0.Work)
	assert.Equal(t, 0, Progress(rig.runner, h1).Work)
	assert.Equal(t, 0, Progress(rig.runner, h100).Work)

	rig.frame()
	assert.Equal(t, types.StatusSucceeded, Progress(rig.runner, h0).State)
	assert.Equal(t, types.StatusSucceeded, Progress(rig.runner, h1).State)
	assert.Equal(t, types.StatusInProgress, Progress(rig.runner, h100).State)

	rig.frame()
	res, ok := TryClaim(rig.runner, h100)
	require.True(t, ok)
	assert.Equal(t, 10, res.Value)
}

func TestRunner_EqualPrioritiesRunInAdmissionOrder(t *testing.T) {
	rig := newTestRig(t, 0)

	var order []int
	for i := 0; i < 4; i++ {
		i := i
		Add(rig.sched, 7, 0, func(_ *world.World, _ int) WorkResult[int, int, error] {
			order = append(order, i)
			return Succeed[int, error](i)
		})
	}

	rig.frame()
	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestRunner_MinimumGuaranteeWhenOverBudget(t *testing.T) {
	// every clock read jumps past the whole frame
	rig := newTestRig(t, 50*time.Millisecond)

	var a, b int
	Add(rig.sched, 0, 0, forever(&a))
	Add(rig.sched, 1, 0, forever(&b))

	stats := rig.frame()
	assert.Equal(t, 5, stats.Steps)
	assert.True(t, stats.OverBudget)
	assert.Equal(t, 5, a, "the lowest priority number keeps the queue head")
	assert.Equal(t, 0, b)
}

func TestRunner_MinimumLoopStopsWhenQueueEmpty(t *testing.T) {
	rig := newTestRig(t, 50*time.Millisecond)

	Add(rig.sched, 0, 0, countTo(2))

	stats := rig.frame()
	assert.Equal(t, 2, stats.Steps)
	assert.Equal(t, 0, stats.Running)
	assert.Equal(t, 1, stats.Unclaimed)
}

func TestRunner_SkipIsolation(t *testing.T) {
	rig := newTestRig(t, 0)

	skips := 0
	Add(rig.sched, -5, 0, func(_ *world.World, work int) WorkResult[int, int, error] {
		skips++
		return Skip[int, error](work)
	})
	Add(rig.sched, 0, 0, countTo(50))

	stats := rig.frame()
	assert.Equal(t, 1, skips, "a skipped job must wait for the next frame")
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 51, stats.Steps)

	rig.frame()
	assert.Equal(t, 2, skips)
	assert.Equal(t, 1, rig.runner.Running())
}

// ============================================================================
// Completion and claims
// ============================================================================

func TestRunner_ExactlyOnceCompletion(t *testing.T) {
	rig := newTestRig(t, time.Millisecond)

	var seen []JobFinished
	rig.runner.OnFinished(func(ev JobFinished) { seen = append(seen, ev) })

	h := Add(rig.sched, 0, 0, countTo(1))

	rig.frame()
	require.Len(t, seen, 1)
	assert.Equal(t, h.ID(), seen[0].ID)
	assert.Equal(t, []JobFinished{{ID: h.ID()}}, rig.runner.Finished())

	res, ok := TryClaim(rig.runner, h)
	require.True(t, ok)
	assert.True(t, res.Succeeded())
	assert.Equal(t, 1, res.Value)

	_, ok = TryClaim(rig.runner, h)
	assert.False(t, ok, "second claim reports not found")
	assert.Panics(t, func() { MustClaim(rig.runner, h) })

	rig.frame()
	assert.Len(t, seen, 1)
	assert.Empty(t, rig.runner.Finished(), "events only cover the last frame")
	assert.Equal(t, types.StatusUnknown, Progress(rig.runner, h).State)
}

func TestRunner_ListenerCanClaimOnEvent(t *testing.T) {
	rig := newTestRig(t, time.Millisecond)

	h := Add(rig.sched, 0, 0, countTo(3))

	var claimed Result[int, error]
	rig.runner.OnFinished(func(ev JobFinished) {
		if ev.ID == h.ID() {
			claimed = MustClaim(rig.runner, h)
		}
	})

	rig.frame()
	assert.Equal(t, 3, claimed.Value)
	assert.Equal(t, 0, rig.runner.Unclaimed())
}

func TestRunner_ErrorResult(t *testing.T) {
	rig := newTestRig(t, time.Millisecond)
	boom := errors.New("boom")

	h := Add(rig.sched, 0, "", func(_ *world.World, _ string) WorkResult[string, int, error] {
		return Fail[string, int](boom)
	})

	stats := rig.frame()
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, types.StatusFailed, Progress(rig.runner, h).State)

	res := MustClaim(rig.runner, h)
	assert.True(t, res.Failed)
	assert.ErrorIs(t, res.Err, boom)
}

func TestThen(t *testing.T) {
	rig := newTestRig(t, time.Millisecond)

	h := Add(rig.sched, 0, 0, countTo(2))
	var got []int
	Then(rig.runner, h, func(res Result[int, error]) { got = append(got, res.Value) })

	rig.frame()
	assert.Equal(t, []int{2}, got)
	_, ok := TryClaim(rig.runner, h)
	assert.False(t, ok, "Then already claimed the result")

	// already finished: fires immediately
	h2 := Add(rig.sched, 0, 0, countTo(1))
	rig.frame()
	Then(rig.runner, h2, func(res Result[int, error]) { got = append(got, res.Value) })
	assert.Equal(t, []int{2, 1}, got)
}

func TestThen_UnknownJobRegistersNothing(t *testing.T) {
	rig := newTestRig(t, time.Millisecond)

	claimed := Add(rig.sched, 0, 0, countTo(1))
	rig.frame()
	MustClaim(rig.runner, claimed)

	cancelled := Add(rig.sched, 0, 0, countTo(5))
	rig.runner.Cancel(cancelled.ID())

	fired := false
	for _, h := range []JobHandle[int, int, error]{claimed, cancelled, {id: 9999}} {
		Then(rig.runner, h, func(Result[int, error]) { fired = true })
	}
	assert.Empty(t, rig.runner.watchers)

	rig.frame()
	assert.False(t, fired)
}

// ============================================================================
// Cancellation
// ============================================================================

func TestRunner_CancelIdempotent(t *testing.T) {
	rig := newTestRig(t, time.Millisecond)

	var cancelledCalls, otherCalls int
	victim := Add(rig.sched, 0, 0, forever(&cancelledCalls))
	Add(rig.sched, 1, 0, forever(&otherCalls))

	rig.frame()
	callsBefore := cancelledCalls

	assert.True(t, rig.runner.Cancel(victim.ID()))
	assert.False(t, rig.runner.Cancel(victim.ID()), "second cancel is a no-op")
	assert.Equal(t, types.StatusUnknown, Progress(rig.runner, victim).State)

	stats := rig.frame()
	assert.Equal(t, 1, stats.Cancelled)
	assert.Equal(t, callsBefore, cancelledCalls, "a cancelled job never steps again")
	assert.Equal(t, 15, stats.Steps, "the remaining job gets the whole frame")
	assert.Equal(t, 1, rig.runner.Running())
}

func TestRunner_CancelFinishedJobKeepsResult(t *testing.T) {
	rig := newTestRig(t, time.Millisecond)

	h := Add(rig.sched, 0, 0, countTo(1))
	rig.frame()

	assert.False(t, rig.runner.Cancel(h.ID()))
	rig.frame()

	res, ok := TryClaim(rig.runner, h)
	require.True(t, ok)
	assert.Equal(t, 1, res.Value)
}

func TestRunner_CancelStagedJob(t *testing.T) {
	rig := newTestRig(t, time.Millisecond)

	calls := 0
	h := Add(rig.sched, 0, 0, forever(&calls))
	assert.Equal(t, types.StatusNotStarted, Progress(rig.runner, h).State)

	assert.True(t, rig.runner.Cancel(h.ID()))
	assert.Equal(t, 0, rig.sched.Pending())

	stats := rig.frame()
	assert.Equal(t, 0, stats.Admitted)
	assert.Equal(t, 1, stats.Cancelled)
	assert.Equal(t, 0, calls)
}

func TestRunner_CancelDuringFrameStopsSkippedJob(t *testing.T) {
	rig := newTestRig(t, 0)

	calls := 0
	victim := Add(rig.sched, 0, 0, func(_ *world.World, work int) WorkResult[int, int, error] {
		calls++
		return Skip[int, error](work)
	})
	Add(rig.sched, 1, 0, func(_ *world.World, work int) WorkResult[int, int, error] {
		rig.runner.Cancel(victim.ID())
		return Succeed[int, error](work)
	})

	rig.frame()
	assert.Equal(t, 1, calls)

	stats := rig.frame()
	assert.Equal(t, 1, stats.Cancelled)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, rig.runner.Running())
}

func TestRunner_ClearAll(t *testing.T) {
	rig := newTestRig(t, time.Millisecond)

	var a int
	Add(rig.sched, 0, 0, forever(&a))
	done := Add(rig.sched, -1, 0, countTo(1))
	rig.frame()
	staged := Add(rig.sched, 0, 0, forever(&a))

	rig.runner.ClearAll()

	assert.Equal(t, types.StatusUnknown, Progress(rig.runner, done).State)
	assert.Equal(t, types.StatusUnknown, Progress(rig.runner, staged).State)

	stats := rig.frame()
	assert.Equal(t, 2, stats.Cancelled)
	assert.Equal(t, 0, stats.Steps)
	assert.Equal(t, 0, rig.runner.Running())
	assert.Equal(t, 0, rig.runner.Unclaimed())
}

// ============================================================================
// Observer
// ============================================================================

type recordingObserver struct {
	frames []types.FrameStats
}

func (o *recordingObserver) ObserveFrame(stats types.FrameStats) {
	o.frames = append(o.frames, stats)
}

func TestRunner_Observer(t *testing.T) {
	rig := newTestRig(t, time.Millisecond)
	obs := &recordingObserver{}
	rig.runner.SetObserver(obs)

	Add(rig.sched, 0, 0, countTo(2))
	rig.frame()
	rig.frame()

	require.Len(t, obs.frames, 2)
	assert.Equal(t, uint64(1), obs.frames[0].Frame)
	assert.Equal(t, 2, obs.frames[0].Steps)
	assert.Equal(t, 0, obs.frames[1].Steps)
	assert.Equal(t, obs.frames[1], rig.runner.LastStats())
}
