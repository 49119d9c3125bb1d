// Package pipeline contains the batch orchestrator: it drives an ordered set
// of audio segments through the Transcribe -> Review -> Revise stages, merges
// the per-segment outputs in index order, runs the whole-job Analyze stage and
// leaves a manifest trail that makes interrupted runs resumable.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"meetscribe/internal/jobs"
	"meetscribe/internal/manifest"
	"meetscribe/internal/stages"
)

// StageExecutor is what the orchestrator needs from the stage layer. Retry
// and rate limiting happen below this interface, so a test fake can fail and
// succeed deterministically.
type StageExecutor interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
	Review(ctx context.Context, transcript string) (string, error)
	ApplyRevision(ctx context.Context, transcript, notes string) (string, error)
	Analyze(ctx context.Context, revised string) (*jobs.Analysis, error)
}

var _ StageExecutor = (*stages.Executors)(nil)

// Job-level artifact file names under final/.
const (
	FinalTranscriptFile = "transcript.txt"
	FinalReviewFile     = "transcript_review.txt"
	FinalRevisedFile    = "transcript_revised.txt"
	analysisFile        = "analysis.json"
)

// Orchestrator runs jobs. It is stateless across jobs; all durable state
// lives in the job working directory.
type Orchestrator struct {
	log     *slog.Logger
	exec    StageExecutor
	workers int
}

// New creates an orchestrator dispatching at most workers segments concurrently.
func New(log *slog.Logger, exec StageExecutor, workers int) *Orchestrator {
	if workers <= 0 {
		workers = 1
	}
	return &Orchestrator{log: log, exec: exec, workers: workers}
}

// Run processes the job's selected segment range and returns the finished
// bundle. One segment's terminal failure never aborts the others; only a
// manifest durability failure or cancellation stops the run. Run mutates
// job.Segments but leaves job bookkeeping (status, timestamps) to the caller.
func (o *Orchestrator) Run(ctx context.Context, job *jobs.Job) (*jobs.Result, error) {
	if len(job.Segments) == 0 {
		return nil, fmt.Errorf("job %s has no segments", job.ID)
	}
	store := jobs.NewFileStore(job.WorkDir)
	if err := store.EnsureLayout(); err != nil {
		return nil, err
	}

	selected := job.Options.Select(job.Segments)
	if len(selected) == 0 {
		return nil, fmt.Errorf("start index %d selects no segments out of %d",
			job.Options.StartIndex, len(job.Segments))
	}

	// The manifest, not in-memory state, decides what is already done. A
	// manifest that cannot be replayed is as fatal as one that cannot be
	// written: resume state is untrustworthy either way.
	completed, err := manifest.LoadStatus(store.ManifestPath())
	if err != nil {
		return nil, &manifest.WriteError{Err: err}
	}
	skipped := o.restore(store, selected, completed)

	mlog, err := manifest.Open(store.ManifestPath())
	if err != nil {
		return nil, &manifest.WriteError{Err: err}
	}
	defer func() { _ = mlog.Close() }()

	o.log.Info("run starting",
		"job_id", job.ID,
		"selected", len(selected),
		"total", len(job.Segments),
		"resumed", skipped,
		"workers", o.workers)

	stagesRun, err := o.dispatch(ctx, selected, store, mlog)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		// Cancelled between dispatches; the manifest is consistent for resume.
		return nil, err
	}

	merged := buildMerged(selected)
	if err := o.saveMerged(store, merged); err != nil {
		return nil, err
	}

	result := &jobs.Result{Merged: merged, Skipped: skipped}
	for _, seg := range selected {
		switch seg.Status {
		case jobs.SegmentRevised:
			result.Succeeded++
		case jobs.SegmentFailed:
			result.Failed++
		}
	}

	input := o.truncateForAnalysis(analysisInput(selected, job.Options.Preview), job.Options.Preview)
	var analyzeErr error
	if input == "" {
		o.log.Info("analysis skipped: no usable revised text", "job_id", job.ID)
	} else {
		// A stored analysis is only valid if this run changed nothing; any new
		// segment output makes it stale.
		allowReuse := stagesRun == 0
		result.Analysis, analyzeErr = o.analyze(ctx, store, mlog, input, result.Failed > 0, allowReuse)
		if analyzeErr != nil {
			if manifest.IsWriteError(analyzeErr) {
				return nil, analyzeErr
			}
			o.log.Warn("analysis failed", "job_id", job.ID, "err", analyzeErr)
		}
	}

	switch {
	case result.Succeeded == 0:
		result.Status = jobs.JobFailed
	case result.Failed > 0:
		result.Status = jobs.JobPartiallyCompleted
	case analyzeErr != nil:
		// Segments are all revised but the final digest is missing.
		result.Status = jobs.JobPartiallyCompleted
	default:
		result.Status = jobs.JobCompleted
	}

	o.log.Info("run finished",
		"job_id", job.ID,
		"status", result.Status,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"skipped", result.Skipped)
	return result, nil
}

func statusRank(s jobs.SegmentStatus) int {
	switch s {
	case jobs.SegmentTranscribed:
		return 1
	case jobs.SegmentReviewed:
		return 2
	case jobs.SegmentRevised:
		return 3
	default:
		return 0
	}
}

// restore rebuilds in-memory segment state from the manifest and the stored
// artifacts. If the manifest claims a stage is done but its artifact cannot be
// read, the segment falls back to the last stage whose artifact loads, and
// the missing stages are redone.
func (o *Orchestrator) restore(store *jobs.FileStore, selected []*jobs.Segment, completed map[int]jobs.SegmentStatus) int {
	skipped := 0
	for _, seg := range selected {
		target, ok := completed[seg.Index]
		if !ok || statusRank(target) == 0 {
			continue
		}
		achieved := jobs.SegmentNotStarted
		for _, stage := range jobs.SegmentStages() {
			after, err := jobs.StatusAfter(stage)
			if err != nil || statusRank(after) > statusRank(target) {
				break
			}
			text, err := store.LoadStageText(seg.Index, stage)
			if err != nil {
				o.log.Warn("stage artifact missing despite manifest entry, redoing stage",
					"segment", seg.Index, "stage", stage, "err", err)
				break
			}
			setStageText(seg, stage, text)
			achieved = after
		}
		seg.Status = achieved
		if achieved == jobs.SegmentRevised {
			skipped++
		}
	}
	return skipped
}

// dispatch feeds the selected segments to a bounded worker pool and returns
// the number of stage completions it recorded. Manifest write errors are the
// only fatal outcome; they cancel the remaining work.
func (o *Orchestrator) dispatch(ctx context.Context, selected []*jobs.Segment, store *jobs.FileStore, mlog *manifest.Log) (int64, error) {
	workers := o.workers
	if workers > len(selected) {
		workers = len(selected)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan *jobs.Segment, len(selected))
	for _, seg := range selected {
		ch <- seg
	}
	close(ch)

	var (
		wg        sync.WaitGroup
		stagesRun atomic.Int64
		fatalMu   sync.Mutex
		fatalErr  error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seg := range ch {
				if runCtx.Err() != nil {
					return
				}
				n, err := o.processSegment(runCtx, seg, store, mlog)
				stagesRun.Add(int64(n))
				if err != nil {
					fatalMu.Lock()
					if fatalErr == nil {
						fatalErr = err
					}
					fatalMu.Unlock()
					cancel()
					return
				}
			}
		}()
	}
	wg.Wait()

	fatalMu.Lock()
	defer fatalMu.Unlock()
	return stagesRun.Load(), fatalErr
}

// processSegment advances one segment from its current status to a terminal
// one, enforcing the per-segment stage order even under concurrent dispatch.
// It returns the number of stage attempts it recorded; the error is non-nil
// only for manifest durability failures.
func (o *Orchestrator) processSegment(ctx context.Context, seg *jobs.Segment, store *jobs.FileStore, mlog *manifest.Log) (int, error) {
	log := o.log.With("segment", seg.Index)
	ran := 0
	for !seg.Status.Terminal() {
		// Stop between stage dispatches on cancellation; the segment stays
		// resumable from its last recorded stage.
		if ctx.Err() != nil {
			return ran, nil
		}
		stage, ok := jobs.NextStage(seg.Status)
		if !ok {
			return ran, nil
		}
		seg.Attempts[stage]++
		ran++

		text, err := o.runStage(ctx, seg, stage)
		if err == nil {
			if saveErr := store.SaveStageText(seg.Index, stage, text); saveErr != nil {
				err = fmt.Errorf("persist %s output: %w", stage, saveErr)
			}
		}
		if err != nil {
			seg.Status = jobs.SegmentFailed
			seg.Err = err.Error()
			log.Warn("stage failed terminally", "stage", stage, "err", err)
			return ran, mlog.Append(manifest.Entry{
				Segment: seg.Index,
				Stage:   stage,
				Outcome: manifest.OutcomeFailed,
				Error:   err.Error(),
			})
		}

		setStageText(seg, stage, text)
		after, serr := jobs.StatusAfter(stage)
		if serr != nil {
			return ran, fmt.Errorf("segment %d: %w", seg.Index, serr)
		}
		seg.Status = after
		if aerr := mlog.Append(manifest.Entry{
			Segment: seg.Index,
			Stage:   stage,
			Outcome: manifest.OutcomeOK,
		}); aerr != nil {
			return ran, aerr
		}
		log.Debug("stage complete", "stage", stage)
	}
	return ran, nil
}

func (o *Orchestrator) runStage(ctx context.Context, seg *jobs.Segment, stage jobs.Stage) (string, error) {
	switch stage {
	case jobs.StageTranscribe:
		if _, err := os.Stat(seg.AudioPath); err != nil {
			return "", fmt.Errorf("segment audio unavailable: %w", err)
		}
		return o.exec.Transcribe(ctx, seg.AudioPath)
	case jobs.StageReview:
		return o.exec.Review(ctx, seg.Transcript)
	case jobs.StageRevise:
		return o.exec.ApplyRevision(ctx, seg.Transcript, seg.ReviewNotes)
	default:
		return "", fmt.Errorf("unexpected per-segment stage %q", stage)
	}
}

func setStageText(seg *jobs.Segment, stage jobs.Stage, text string) {
	switch stage {
	case jobs.StageTranscribe:
		seg.Transcript = text
	case jobs.StageReview:
		seg.ReviewNotes = text
	case jobs.StageRevise:
		seg.RevisedText = text
	}
}

func (o *Orchestrator) saveMerged(store *jobs.FileStore, merged jobs.MergedTranscript) error {
	files := []struct {
		name string
		text string
	}{
		{FinalTranscriptFile, merged.Raw},
		{FinalReviewFile, merged.Review},
		{FinalRevisedFile, merged.Revised},
	}
	for _, f := range files {
		if err := store.SaveFinal(f.name, []byte(f.text)); err != nil {
			return fmt.Errorf("save merged transcript: %w", err)
		}
	}
	return nil
}

// analyze runs the whole-job analysis. When allowReuse is set, a prior
// successful result recorded in the manifest is reloaded from disk instead of
// re-billed.
func (o *Orchestrator) analyze(ctx context.Context, store *jobs.FileStore, mlog *manifest.Log, input string, partial, allowReuse bool) (*jobs.Analysis, error) {
	if allowReuse {
		entries, err := manifest.Replay(store.ManifestPath())
		if err == nil && hasAnalyzeOK(entries) {
			if prior, loadErr := loadAnalysis(store); loadErr == nil {
				o.log.Info("analysis reused from previous run")
				return prior, nil
			}
			o.log.Warn("analysis artifact missing despite manifest entry, redoing analysis")
		}
	}

	analysis, err := o.exec.Analyze(ctx, input)
	if err != nil {
		if aerr := mlog.Append(manifest.Entry{
			Stage:   jobs.StageAnalyze,
			Outcome: manifest.OutcomeFailed,
			Error:   err.Error(),
		}); aerr != nil {
			return nil, aerr
		}
		return nil, err
	}
	analysis.Partial = partial

	data, err := json.MarshalIndent(analysis, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal analysis: %w", err)
	}
	if err := store.SaveFinal(analysisFile, data); err != nil {
		return nil, err
	}
	if aerr := mlog.Append(manifest.Entry{
		Stage:   jobs.StageAnalyze,
		Outcome: manifest.OutcomeOK,
	}); aerr != nil {
		return nil, aerr
	}
	return analysis, nil
}

func hasAnalyzeOK(entries []manifest.Entry) bool {
	for _, e := range entries {
		if e.Stage == jobs.StageAnalyze && e.Outcome == manifest.OutcomeOK {
			return true
		}
	}
	return false
}

func loadAnalysis(store *jobs.FileStore) (*jobs.Analysis, error) {
	data, err := os.ReadFile(store.FinalPath(analysisFile)) // #nosec G304 - store-derived path
	if err != nil {
		return nil, err
	}
	var analysis jobs.Analysis
	if err := json.Unmarshal(data, &analysis); err != nil {
		return nil, err
	}
	return &analysis, nil
}
