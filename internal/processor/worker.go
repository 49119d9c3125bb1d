// Package processor drives one accepted job end to end: split the recording,
// run the pipeline, export the summary artifacts and notify the callback URL.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"meetscribe/internal/common"
	"meetscribe/internal/config"
	"meetscribe/internal/jobs"
)

// Segmenter produces the ordered segment list for a job.
type Segmenter interface {
	Split(ctx context.Context, sourcePath, destDir string) ([]*jobs.Segment, error)
	Discover(ctx context.Context, dir string) ([]*jobs.Segment, error)
}

// Runner executes the pipeline over a job's segments.
type Runner interface {
	Run(ctx context.Context, job *jobs.Job) (*jobs.Result, error)
}

// Exporter writes the summary artifacts for a finished job.
type Exporter interface {
	Write(store *jobs.FileStore, job *jobs.Job, res *jobs.Result) error
}

// Worker implements jobs.Processor.
type Worker struct {
	Log      *slog.Logger
	Cfg      *config.Config
	Registry *jobs.Registry
	Splitter Segmenter
	Pipeline Runner
	Exporter Exporter
}

// Ensure Worker implements jobs.Processor
var _ jobs.Processor = (*Worker)(nil)

func New(log *slog.Logger, cfg *config.Config, reg *jobs.Registry, splitter Segmenter, pipeline Runner, exporter Exporter) *Worker {
	return &Worker{
		Log:      log,
		Cfg:      cfg,
		Registry: reg,
		Splitter: splitter,
		Pipeline: pipeline,
		Exporter: exporter,
	}
}

func (w *Worker) Process(ctx context.Context, item jobs.WorkItem) error {
	job := item.Job
	now := time.Now().UTC()
	w.Registry.Update(job.ID, func(j *jobs.Job) {
		j.Status = jobs.JobRunning
		j.StartedAt = &now
	})

	store := jobs.NewFileStore(job.WorkDir)
	if err := store.EnsureLayout(); err != nil {
		return w.finishWithError(ctx, job, fmt.Errorf("prepare working dir: %w", err))
	}

	if len(job.Segments) == 0 {
		segments, err := w.segmentsFor(ctx, job, store)
		if err != nil {
			return w.finishWithError(ctx, job, err)
		}
		w.Registry.Update(job.ID, func(j *jobs.Job) {
			j.Segments = segments
		})
	}

	res, err := w.Pipeline.Run(ctx, job)
	if err != nil {
		return w.finishWithError(ctx, job, fmt.Errorf("pipeline: %w", err))
	}
	if err := w.Exporter.Write(store, job, res); err != nil {
		return w.finishWithError(ctx, job, err)
	}

	done := time.Now().UTC()
	w.Registry.Update(job.ID, func(j *jobs.Job) {
		j.Status = res.Status
		j.Result = res
		j.CompletedAt = &done
	})

	if job.CallbackURL != nil && *job.CallbackURL != "" {
		cbErr := w.sendCallbackWithRetry(ctx, *job.CallbackURL, callbackPayload{
			JobID:  job.ID,
			Status: string(res.Status),
			Result: &callbackResult{
				Succeeded: res.Succeeded,
				Failed:    res.Failed,
				Skipped:   res.Skipped,
				Analysis:  res.Analysis,
			},
		})
		if cbErr != nil {
			w.Log.Warn("callback failed after retries", "job_id", job.ID, "err", cbErr)
		}
	}
	return nil
}

// segmentsFor splits the uploaded recording, or discovers a pre-split
// directory when the job carries no source file.
func (w *Worker) segmentsFor(ctx context.Context, job *jobs.Job, store *jobs.FileStore) ([]*jobs.Segment, error) {
	if job.SourcePath != "" {
		segments, err := w.Splitter.Split(ctx, job.SourcePath, store.SegmentsDir())
		if err != nil {
			return nil, fmt.Errorf("split recording: %w", err)
		}
		return segments, nil
	}
	segments, err := w.Splitter.Discover(ctx, store.SegmentsDir())
	if err != nil {
		return nil, fmt.Errorf("discover segments: %w", err)
	}
	return segments, nil
}

func (w *Worker) finishWithError(ctx context.Context, job *jobs.Job, err error) error {
	done := time.Now().UTC()
	w.Registry.Update(job.ID, func(j *jobs.Job) {
		j.Status = jobs.JobFailed
		j.Error = err.Error()
		j.CompletedAt = &done
	})
	if job.CallbackURL != nil && *job.CallbackURL != "" {
		msg := err.Error()
		cbErr := w.sendCallbackWithRetry(ctx, *job.CallbackURL, callbackPayload{
			JobID:  job.ID,
			Status: common.StatusFailed,
			Error:  &msg,
		})
		if cbErr != nil {
			w.Log.Warn("callback failed after retries", "job_id", job.ID, "err", cbErr)
		}
	}
	return err
}

type callbackPayload struct {
	JobID  string          `json:"job_id"`
	Status string          `json:"status"` // completed|partially_completed|failed
	Error  *string         `json:"error,omitempty"`
	Result *callbackResult `json:"result,omitempty"`
}

type callbackResult struct {
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Skipped   int            `json:"skipped"`
	Analysis  *jobs.Analysis `json:"analysis,omitempty"`
}

func (w *Worker) sendCallbackWithRetry(ctx context.Context, url string, payload callbackPayload) error {
	max := w.Cfg.Server.CallbackRetries
	if max <= 0 {
		max = 3
	}
	backoff := w.Cfg.Server.CallbackBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= max; attempt++ {
		if err := w.postJSON(ctx, url, payload); err != nil {
			lastErr = err
			// If context was cancelled, stop retries.
			if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return err
			}
			time.Sleep(time.Duration(attempt) * backoff)
			continue
		}
		return nil
	}
	return lastErr
}

func (w *Worker) postJSON(ctx context.Context, url string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", common.ContentTypeJSON)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback status %d", resp.StatusCode)
	}
	return nil
}
