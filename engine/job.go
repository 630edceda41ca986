package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/tmerz/assetcalc/hierarchy"
	"github.com/tmerz/assetcalc/series"
)

// Status is the lifecycle state of a backfill job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Request describes one backfill submission. The time range is half open:
// samples are computed for [Start,End) on the resolution grid.
type Request struct {
	AssetID     string
	AttributeID string
	Start       time.Time
	End         time.Time
	Resolution  time.Duration
}

func (r Request) timestamps() uint64 {
	if !r.Start.Before(r.End) || r.Resolution <= 0 {
		return 0
	}
	span := r.End.Sub(r.Start)
	count := span / r.Resolution
	if span%r.Resolution != 0 {
		count++
	}
	return uint64(count)
}

func (r Request) timeAt(index uint64) time.Time {
	return r.Start.Add(time.Duration(index) * r.Resolution)
}

func (r Request) overlaps(other Request) bool {
	if r.AssetID != other.AssetID || r.AttributeID != other.AttributeID {
		return false
	}
	return r.Start.Before(other.End) && other.Start.Before(r.End)
}

// View is a copied-out snapshot of a job for status queries. No caller
// ever receives a handle into live job state.
type View struct {
	ID            string        `json:"id"`
	AssetID       string        `json:"asset_id"`
	AttributeID   string        `json:"attribute_id"`
	Start         time.Time     `json:"start"`
	End           time.Time     `json:"end"`
	Resolution    time.Duration `json:"resolution"`
	Status        Status        `json:"status"`
	Progress      float64       `json:"progress"`
	FailureReason string        `json:"failure_reason,omitempty"`
	KPI           bool          `json:"kpi"`
	SubmittedAt   time.Time     `json:"submitted_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty"`
}

// job is the scheduler-owned state of one backfill. Status, reason and the
// result series are guarded by the scheduler mutex; the processed counter
// is advanced lock-free by the executing worker.
type job struct {
	id        string
	req       Request
	snapshot  hierarchy.Snapshot
	plan      *evalPlan
	provider  string
	kpi       bool
	submitted time.Time
	total     uint64

	status   Status
	reason   string
	started  time.Time
	finished time.Time
	samples  []series.ComputedSample

	processed atomic.Uint64
	cancelled atomic.Bool
	cancel    context.CancelFunc
}

// progress returns the completion percentage. Progress is monotonically
// non-decreasing because the processed counter only ever grows.
func (j *job) progress() float64 {
	if j.total == 0 {
		if j.status == StatusCompleted {
			return 100
		}
		return 0
	}
	pct := float64(j.processed.Load()) / float64(j.total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// view copies the externally visible state. Callers must hold the
// scheduler mutex.
func (j *job) view() View {
	view := View{
		ID:            j.id,
		AssetID:       j.req.AssetID,
		AttributeID:   j.req.AttributeID,
		Start:         j.req.Start,
		End:           j.req.End,
		Resolution:    j.req.Resolution,
		Status:        j.status,
		Progress:      j.progress(),
		FailureReason: j.reason,
		KPI:           j.kpi,
		SubmittedAt:   j.submitted,
	}
	if !j.started.IsZero() {
		ts := j.started
		view.StartedAt = &ts
	}
	if !j.finished.IsZero() {
		ts := j.finished
		view.FinishedAt = &ts
	}
	return view
}
