package processor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"meetscribe/internal/config"
	"meetscribe/internal/jobs"
)

type fakeSegmenter struct {
	segments   []*jobs.Segment
	err        error
	splitCalls int32
	discovered int32
}

func (f *fakeSegmenter) Split(ctx context.Context, sourcePath, destDir string) ([]*jobs.Segment, error) {
	atomic.AddInt32(&f.splitCalls, 1)
	return f.segments, f.err
}

func (f *fakeSegmenter) Discover(ctx context.Context, dir string) ([]*jobs.Segment, error) {
	atomic.AddInt32(&f.discovered, 1)
	return f.segments, f.err
}

type fakeRunner struct {
	res *jobs.Result
	err error
}

func (f *fakeRunner) Run(ctx context.Context, job *jobs.Job) (*jobs.Result, error) {
	return f.res, f.err
}

type fakeExporter struct {
	calls int32
	err   error
}

func (f *fakeExporter) Write(store *jobs.FileStore, job *jobs.Job, res *jobs.Result) error {
	atomic.AddInt32(&f.calls, 1)
	return f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testWorker(t *testing.T, seg *fakeSegmenter, run *fakeRunner, exp *fakeExporter) (*Worker, *jobs.Registry) {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{
			CallbackRetries: 1,
			CallbackBackoff: 10 * time.Millisecond,
		},
	}
	reg := jobs.NewRegistry()
	return New(discardLogger(), cfg, reg, seg, run, exp), reg
}

func testJob(t *testing.T, source string) *jobs.Job {
	t.Helper()
	return &jobs.Job{
		ID:         "job-1",
		WorkDir:    t.TempDir(),
		SourcePath: source,
		Status:     jobs.JobPending,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestProcess_SuccessUpdatesRegistry(t *testing.T) {
	seg := &fakeSegmenter{segments: []*jobs.Segment{jobs.NewSegment(1, "p1.wav", 300)}}
	run := &fakeRunner{res: &jobs.Result{Status: jobs.JobCompleted, Succeeded: 1}}
	exp := &fakeExporter{}
	w, reg := testWorker(t, seg, run, exp)

	job := testJob(t, "/tmp/rec.wav")
	reg.Add(job)

	if err := w.Process(context.Background(), jobs.WorkItem{Job: job}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if atomic.LoadInt32(&seg.splitCalls) != 1 {
		t.Fatal("uploaded recordings go through the splitter")
	}
	if atomic.LoadInt32(&exp.calls) != 1 {
		t.Fatal("exporter should run on success")
	}
	view, _ := reg.View(job.ID)
	if view.Status != jobs.JobCompleted {
		t.Fatalf("status %q", view.Status)
	}
	if view.Result == nil || view.Result.Succeeded != 1 {
		t.Fatalf("result %+v", view.Result)
	}
	if view.StartedAt == "" || view.CompletedAt == "" {
		t.Fatal("timestamps not recorded")
	}
}

func TestProcess_DiscoverWhenNoSource(t *testing.T) {
	seg := &fakeSegmenter{segments: []*jobs.Segment{jobs.NewSegment(1, "p1.wav", 300)}}
	run := &fakeRunner{res: &jobs.Result{Status: jobs.JobCompleted, Succeeded: 1}}
	w, reg := testWorker(t, seg, run, &fakeExporter{})

	job := testJob(t, "")
	reg.Add(job)
	if err := w.Process(context.Background(), jobs.WorkItem{Job: job}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if atomic.LoadInt32(&seg.discovered) != 1 || atomic.LoadInt32(&seg.splitCalls) != 0 {
		t.Fatal("jobs without a source recording use discovery")
	}
}

func TestProcess_PipelineFailureMarksJobFailed(t *testing.T) {
	seg := &fakeSegmenter{segments: []*jobs.Segment{jobs.NewSegment(1, "p1.wav", 300)}}
	run := &fakeRunner{err: errors.New("manifest write: disk full")}
	exp := &fakeExporter{}
	w, reg := testWorker(t, seg, run, exp)

	job := testJob(t, "/tmp/rec.wav")
	reg.Add(job)
	if err := w.Process(context.Background(), jobs.WorkItem{Job: job}); err == nil {
		t.Fatal("expected error")
	}
	if atomic.LoadInt32(&exp.calls) != 0 {
		t.Fatal("exporter must not run on failure")
	}
	view, _ := reg.View(job.ID)
	if view.Status != jobs.JobFailed || view.Error == "" {
		t.Fatalf("view %+v", view)
	}
}

func TestProcess_SendsCompletionCallback(t *testing.T) {
	received := make(chan map[string]any, 1)
	cb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		received <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer cb.Close()

	seg := &fakeSegmenter{segments: []*jobs.Segment{jobs.NewSegment(1, "p1.wav", 300)}}
	run := &fakeRunner{res: &jobs.Result{Status: jobs.JobPartiallyCompleted, Succeeded: 2, Failed: 1}}
	w, reg := testWorker(t, seg, run, &fakeExporter{})

	job := testJob(t, "/tmp/rec.wav")
	url := cb.URL
	job.CallbackURL = &url
	reg.Add(job)

	if err := w.Process(context.Background(), jobs.WorkItem{Job: job}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	select {
	case payload := <-received:
		if payload["job_id"] != "job-1" || payload["status"] != string(jobs.JobPartiallyCompleted) {
			t.Fatalf("payload %v", payload)
		}
		result, ok := payload["result"].(map[string]any)
		if !ok || result["failed"] != float64(1) {
			t.Fatalf("payload result %v", payload["result"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never arrived")
	}
}

func TestProcess_SendsFailureCallback(t *testing.T) {
	received := make(chan map[string]any, 1)
	cb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		received <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer cb.Close()

	seg := &fakeSegmenter{err: errors.New("ffmpeg missing")}
	w, reg := testWorker(t, seg, &fakeRunner{}, &fakeExporter{})

	job := testJob(t, "/tmp/rec.wav")
	url := cb.URL
	job.CallbackURL = &url
	reg.Add(job)

	if err := w.Process(context.Background(), jobs.WorkItem{Job: job}); err == nil {
		t.Fatal("expected error")
	}
	select {
	case payload := <-received:
		if payload["status"] != "failed" {
			t.Fatalf("payload %v", payload)
		}
		if payload["error"] == nil || payload["error"] == "" {
			t.Fatalf("payload missing error: %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("failure callback never arrived")
	}
}
