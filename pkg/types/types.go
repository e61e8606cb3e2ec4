// Package types defines the core domain model shared by the framejobs packages.
package types

import (
	"strconv"
	"time"
)

// JobID is the identity assigned to a job at intake. IDs increase monotonically and are
// never reused within a Scheduler.
type JobID uint64

func (id JobID) String() string {
	return "job-" + strconv.FormatUint(uint64(id), 10)
}

// JobStatus is the lifecycle state of a job as seen from outside the runner.
type JobStatus string

// Job status constants
const (
	StatusUnknown    JobStatus = "unknown"     // never existed, already claimed, or cancelled
	StatusNotStarted JobStatus = "not_started" // staged by intake, not yet admitted
	StatusInProgress JobStatus = "in_progress" // admitted and being stepped
	StatusSucceeded  JobStatus = "succeeded"   // finished with a success value, unclaimed
	StatusFailed     JobStatus = "failed"      // finished with an error value, unclaimed
)

// Finished reports whether the status is terminal and the result is still claimable.
func (s JobStatus) Finished() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// FrameStats summarises one runner tick. It is handed to observers (metrics) and exposed
// by the diagnostics endpoint.
type FrameStats struct {
	Frame      uint64        `json:"frame"`
	Cancelled  int           `json:"cancelled"`   // jobs torn down at the start of the frame
	Admitted   int           `json:"admitted"`    // staged jobs moved into the queue
	Steps      int           `json:"steps"`       // step calls executed
	Skipped    int           `json:"skipped"`     // steps that returned Skip
	Succeeded  int           `json:"succeeded"`   // jobs that finished with Success
	Failed     int           `json:"failed"`      // jobs that finished with Error
	Running    int           `json:"running"`     // jobs left in the queue after the frame
	Unclaimed  int           `json:"unclaimed"`   // finished results waiting for a claim
	JobTime    time.Duration `json:"job_time"`    // time spent inside the runner
	OverBudget bool          `json:"over_budget"` // budget already spent when the minimum loop ended
}
