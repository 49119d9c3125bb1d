package jobs

import (
	"fmt"
	"time"
)

// JobStatus represents the overall outcome of one transcription run.
type JobStatus string

const (
	JobPending            JobStatus = "pending"
	JobRunning            JobStatus = "running"
	JobCompleted          JobStatus = "completed"
	JobPartiallyCompleted JobStatus = "partially_completed"
	JobFailed             JobStatus = "failed"
)

// SegmentStatus is the per-segment stage state. It only moves forward
// (NotStarted -> Transcribed -> Reviewed -> Revised) or terminates at Failed.
type SegmentStatus string

const (
	SegmentNotStarted  SegmentStatus = "not_started"
	SegmentTranscribed SegmentStatus = "transcribed"
	SegmentReviewed    SegmentStatus = "reviewed"
	SegmentRevised     SegmentStatus = "revised"
	SegmentFailed      SegmentStatus = "failed"
)

// Stage names the per-segment processing steps plus the whole-job analysis step.
type Stage string

const (
	StageTranscribe Stage = "transcribe"
	StageReview     Stage = "review"
	StageRevise     Stage = "revise"
	StageAnalyze    Stage = "analyze"
)

// segmentStages is the fixed per-segment stage order.
var segmentStages = []Stage{StageTranscribe, StageReview, StageRevise}

// SegmentStages returns the ordered per-segment stages.
func SegmentStages() []Stage {
	out := make([]Stage, len(segmentStages))
	copy(out, segmentStages)
	return out
}

// StatusAfter returns the segment status reached by completing the given stage.
func StatusAfter(stage Stage) (SegmentStatus, error) {
	switch stage {
	case StageTranscribe:
		return SegmentTranscribed, nil
	case StageReview:
		return SegmentReviewed, nil
	case StageRevise:
		return SegmentRevised, nil
	default:
		return "", fmt.Errorf("stage %q has no segment status", stage)
	}
}

// NextStage returns the stage a segment in the given status should run next,
// or false when the segment is terminal.
func NextStage(status SegmentStatus) (Stage, bool) {
	switch status {
	case SegmentNotStarted:
		return StageTranscribe, true
	case SegmentTranscribed:
		return StageReview, true
	case SegmentReviewed:
		return StageRevise, true
	default:
		return "", false
	}
}

// Terminal reports whether a segment needs no further per-segment work.
func (s SegmentStatus) Terminal() bool {
	return s == SegmentRevised || s == SegmentFailed
}

// Segment is one fixed-duration slice of the source recording, the unit of
// pipeline work. Ordering is solely by Index; segments never reference each other.
type Segment struct {
	Index           int     // 1-based, defines merge order
	AudioPath       string  // source audio file for this slice
	DurationSeconds float64 // slice duration as reported by the splitter

	Status      SegmentStatus
	Transcript  string
	ReviewNotes string
	RevisedText string
	Err         string         // last error, retained verbatim for display
	Attempts    map[Stage]int  // external call attempts per stage
}

// NewSegment creates a segment in NotStarted state.
func NewSegment(index int, audioPath string, durationSeconds float64) *Segment {
	return &Segment{
		Index:           index,
		AudioPath:       audioPath,
		DurationSeconds: durationSeconds,
		Status:          SegmentNotStarted,
		Attempts:        make(map[Stage]int),
	}
}

// PreviewOptions limits the input assembled for the final analysis stage.
// Per-segment processing always runs in full; the truncation applies only when
// building the Analyze input.
type PreviewOptions struct {
	Enabled            bool
	MaxDurationSeconds int // 0 = no duration budget
	MaxCharacters      int // 0 = no character budget
	MaxTokens          int // 0 = no token budget
}

// RunOptions controls which part of the segment range a run processes.
type RunOptions struct {
	StartIndex  int // 1-based; values < 1 are treated as 1
	MaxSegments int // 0 = no limit
	Workers     int // bounded concurrent segment dispatch; <= 0 means sequential
	Preview     PreviewOptions
}

// Select returns the subset segments[StartIndex .. StartIndex+MaxSegments-1]
// in ascending index order. Selection never reorders.
func (o RunOptions) Select(segments []*Segment) []*Segment {
	start := o.StartIndex
	if start < 1 {
		start = 1
	}
	if start > len(segments) {
		return nil
	}
	subset := segments[start-1:]
	if o.MaxSegments > 0 && o.MaxSegments < len(subset) {
		subset = subset[:o.MaxSegments]
	}
	return subset
}

// MergedTranscript holds the three index-ordered concatenations of segment
// outputs, each section delimited by a boundary marker carrying the index.
type MergedTranscript struct {
	Raw     string
	Review  string
	Revised string
}

// Analysis is the whole-job result derived from the revised merged transcript.
type Analysis struct {
	Summary     string   `json:"summary"`
	Outline     []string `json:"outline"`
	ActionItems []string `json:"action_items"`
	Partial     bool     `json:"partial,omitempty"` // derived from incomplete input
}

// Result is the finished bundle handed to the exporter.
type Result struct {
	Status    JobStatus // Completed, PartiallyCompleted or Failed
	Merged    MergedTranscript
	Analysis  *Analysis // nil when no usable revised text existed
	Succeeded int
	Failed    int
	Skipped   int // already complete via manifest resume
}

// Job is one transcription run over an ordered set of segments.
type Job struct {
	ID          string // UUIDv4
	WorkDir     string // per-job working directory root
	SourcePath  string // uploaded recording, empty when starting from a pre-split dir
	CallbackURL *string
	Options     RunOptions
	Status      JobStatus
	Segments    []*Segment
	Result      *Result
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}
