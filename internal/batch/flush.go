package batch

import (
	"math"

	"github.com/ChuLiYu/frame-jobs/internal/jobs"
	"github.com/ChuLiYu/frame-jobs/internal/world"
)

// FlushPriority runs the flush job ahead of every ordinary job
const FlushPriority = math.MinInt

// RegisterFlush stages the job that applies one pending buffer per frame. Register it
// once at startup; the world must carry the *Queue resource. The job never finishes:
// it answers Skip every step, which is what limits it to one buffer per frame.
func RegisterFlush(s *jobs.Scheduler) jobs.JobHandle[struct{}, struct{}, error] {
	return jobs.Add(s, FlushPriority, struct{}{}, flush)
}

func flush(w *world.World, work struct{}) jobs.WorkResult[struct{}, struct{}, error] {
	q := world.MustResource[*Queue](w)
	more := q.ApplyNext(w)
	q.markLoading(w, more)
	return jobs.Skip[struct{}, error](work)
}
