package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"meetscribe/internal/jobs"
	"meetscribe/internal/manifest"
)

// fakeExec is a deterministic stage executor. It derives the segment index
// from the text flowing through the stages, counts calls per stage+segment,
// and fails or delays where the test scripts it to.
type fakeExec struct {
	mu     sync.Mutex
	counts map[string]int
	fail   map[string]error
	delay  map[string]time.Duration

	analyzeCalls     int
	analyzeErr       error
	lastAnalyzeInput string
}

func newFakeExec() *fakeExec {
	return &fakeExec{
		counts: make(map[string]int),
		fail:   make(map[string]error),
		delay:  make(map[string]time.Duration),
	}
}

func key(stage jobs.Stage, idx int) string {
	return fmt.Sprintf("%s:%d", stage, idx)
}

var trailingNumber = regexp.MustCompile(`(\d+)\D*$`)

func idxFrom(s string) int {
	m := trailingNumber.FindStringSubmatch(s)
	if len(m) != 2 {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

func (f *fakeExec) step(stage jobs.Stage, idx int) error {
	f.mu.Lock()
	k := key(stage, idx)
	f.counts[k]++
	err := f.fail[k]
	d := f.delay[k]
	f.mu.Unlock()
	if d > 0 {
		time.Sleep(d)
	}
	return err
}

func (f *fakeExec) Transcribe(ctx context.Context, audioPath string) (string, error) {
	idx := idxFrom(strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath)))
	if err := f.step(jobs.StageTranscribe, idx); err != nil {
		return "", err
	}
	return fmt.Sprintf("transcript %d", idx), nil
}

func (f *fakeExec) Review(ctx context.Context, transcript string) (string, error) {
	idx := idxFrom(transcript)
	if err := f.step(jobs.StageReview, idx); err != nil {
		return "", err
	}
	return fmt.Sprintf("notes %d", idx), nil
}

func (f *fakeExec) ApplyRevision(ctx context.Context, transcript, notes string) (string, error) {
	idx := idxFrom(transcript)
	if err := f.step(jobs.StageRevise, idx); err != nil {
		return "", err
	}
	return fmt.Sprintf("revised %d", idx), nil
}

func (f *fakeExec) Analyze(ctx context.Context, revised string) (*jobs.Analysis, error) {
	f.mu.Lock()
	f.analyzeCalls++
	f.lastAnalyzeInput = revised
	err := f.analyzeErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &jobs.Analysis{
		Summary:     "the summary",
		Outline:     []string{"topic"},
		ActionItems: []string{"do the thing"},
	}, nil
}

func (f *fakeExec) count(stage jobs.Stage, idx int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[key(stage, idx)]
}

func (f *fakeExec) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.analyzeCalls
	for _, c := range f.counts {
		n += c
	}
	return n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// makeJob lays out a working directory with n fake audio slices.
func makeJob(t *testing.T, n int, opts jobs.RunOptions) *jobs.Job {
	t.Helper()
	dir := t.TempDir()
	store := jobs.NewFileStore(dir)
	if err := store.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}
	segments := make([]*jobs.Segment, n)
	for i := range segments {
		audio := filepath.Join(store.SegmentsDir(), fmt.Sprintf("part_%02d.wav", i+1))
		if err := os.WriteFile(audio, []byte("riff"), 0o640); err != nil {
			t.Fatalf("write audio: %v", err)
		}
		segments[i] = jobs.NewSegment(i+1, audio, 300)
	}
	return &jobs.Job{ID: "job-1", WorkDir: dir, Options: opts, Segments: segments}
}

func runJob(t *testing.T, exec *fakeExec, job *jobs.Job, workers int) *jobs.Result {
	t.Helper()
	res, err := New(testLogger(), exec, workers).Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func TestRun_AllSegmentsSucceed(t *testing.T) {
	exec := newFakeExec()
	job := makeJob(t, 3, jobs.RunOptions{})
	res := runJob(t, exec, job, 1)

	if res.Status != jobs.JobCompleted {
		t.Fatalf("status %q", res.Status)
	}
	if res.Succeeded != 3 || res.Failed != 0 || res.Skipped != 0 {
		t.Fatalf("counts %+v", res)
	}
	if exec.analyzeCalls != 1 {
		t.Fatalf("analyze called %d times", exec.analyzeCalls)
	}
	if res.Analysis == nil || res.Analysis.Summary != "the summary" || res.Analysis.Partial {
		t.Fatalf("analysis %+v", res.Analysis)
	}

	// Merged views hold every section in index order.
	wantOrder := []string{"=== TRANSCRIPT SEG 01", "=== TRANSCRIPT SEG 02", "=== TRANSCRIPT SEG 03"}
	pos := -1
	for _, marker := range wantOrder {
		p := strings.Index(res.Merged.Raw, marker)
		if p < 0 || p < pos {
			t.Fatalf("marker %q missing or out of order:\n%s", marker, res.Merged.Raw)
		}
		pos = p
	}
	if !strings.Contains(res.Merged.Revised, "revised 2") {
		t.Fatalf("revised view missing segment text:\n%s", res.Merged.Revised)
	}

	// Artifacts are on disk.
	store := jobs.NewFileStore(job.WorkDir)
	for i := 1; i <= 3; i++ {
		for _, stage := range jobs.SegmentStages() {
			if !store.HasStageText(i, stage) {
				t.Fatalf("missing artifact for segment %d stage %s", i, stage)
			}
		}
	}
	for _, name := range []string{FinalTranscriptFile, FinalReviewFile, FinalRevisedFile, analysisFile} {
		if _, err := os.Stat(store.FinalPath(name)); err != nil {
			t.Fatalf("missing final artifact %s: %v", name, err)
		}
	}
}

func TestRun_FailedSegmentDoesNotAbortOthers(t *testing.T) {
	exec := newFakeExec()
	exec.fail[key(jobs.StageTranscribe, 2)] = errors.New("transcribe failed after 3 attempts: transient: overloaded")
	job := makeJob(t, 3, jobs.RunOptions{})
	res := runJob(t, exec, job, 1)

	if res.Status != jobs.JobPartiallyCompleted {
		t.Fatalf("status %q", res.Status)
	}
	if res.Succeeded != 2 || res.Failed != 1 {
		t.Fatalf("counts %+v", res)
	}
	if !strings.Contains(res.Merged.Raw, "segment 2 failed:") {
		t.Fatalf("merged raw missing failure placeholder:\n%s", res.Merged.Raw)
	}
	// Failed segments contribute nothing to the analysis input.
	if strings.Contains(exec.lastAnalyzeInput, "revised 2") {
		t.Fatalf("analysis input should exclude failed segment: %q", exec.lastAnalyzeInput)
	}
	if res.Analysis == nil || !res.Analysis.Partial {
		t.Fatalf("analysis should be flagged partial: %+v", res.Analysis)
	}
	// Later stages of the failed segment never ran.
	if exec.count(jobs.StageReview, 2) != 0 || exec.count(jobs.StageRevise, 2) != 0 {
		t.Fatal("failed segment must not reach later stages")
	}
}

func TestRun_AllSegmentsFail(t *testing.T) {
	exec := newFakeExec()
	for i := 1; i <= 2; i++ {
		exec.fail[key(jobs.StageTranscribe, i)] = errors.New("down")
	}
	job := makeJob(t, 2, jobs.RunOptions{})
	res := runJob(t, exec, job, 1)

	if res.Status != jobs.JobFailed {
		t.Fatalf("status %q", res.Status)
	}
	if res.Analysis != nil || exec.analyzeCalls != 0 {
		t.Fatal("no analysis without usable revised text")
	}
	if !strings.Contains(res.Merged.Revised, "segment 1 failed:") {
		t.Fatalf("revised view missing placeholder:\n%s", res.Merged.Revised)
	}
}

func TestRun_SelectionWindow(t *testing.T) {
	exec := newFakeExec()
	job := makeJob(t, 4, jobs.RunOptions{StartIndex: 2, MaxSegments: 2})
	res := runJob(t, exec, job, 1)

	if res.Succeeded != 2 {
		t.Fatalf("counts %+v", res)
	}
	for _, idx := range []int{1, 4} {
		if exec.count(jobs.StageTranscribe, idx) != 0 {
			t.Fatalf("segment %d outside the window was processed", idx)
		}
	}
	if strings.Contains(res.Merged.Raw, "SEG 01") || strings.Contains(res.Merged.Raw, "SEG 04") {
		t.Fatalf("merged output should only cover the window:\n%s", res.Merged.Raw)
	}
	if !strings.Contains(res.Merged.Raw, "SEG 02") || !strings.Contains(res.Merged.Raw, "SEG 03") {
		t.Fatalf("merged output missing window segments:\n%s", res.Merged.Raw)
	}
}

func TestRun_SelectionPastEndFails(t *testing.T) {
	job := makeJob(t, 2, jobs.RunOptions{StartIndex: 5})
	_, err := New(testLogger(), newFakeExec(), 1).Run(context.Background(), job)
	if err == nil {
		t.Fatal("start index past the end should error")
	}
}

func TestRun_ResumeRetriesOnlyFailedStage(t *testing.T) {
	// First run: segment 2 fails at the revise stage.
	exec1 := newFakeExec()
	exec1.fail[key(jobs.StageRevise, 2)] = errors.New("revise down")
	job := makeJob(t, 3, jobs.RunOptions{})
	res1 := runJob(t, exec1, job, 1)
	if res1.Status != jobs.JobPartiallyCompleted {
		t.Fatalf("first run status %q", res1.Status)
	}

	// Second run over the same working directory with a healthy executor.
	job2 := &jobs.Job{ID: job.ID, WorkDir: job.WorkDir, Options: job.Options}
	for _, seg := range job.Segments {
		job2.Segments = append(job2.Segments, jobs.NewSegment(seg.Index, seg.AudioPath, seg.DurationSeconds))
	}
	exec2 := newFakeExec()
	res2 := runJob(t, exec2, job2, 1)

	if res2.Status != jobs.JobCompleted {
		t.Fatalf("second run status %q", res2.Status)
	}
	if res2.Succeeded != 3 || res2.Skipped != 2 {
		t.Fatalf("second run counts %+v", res2)
	}
	// Completed segments are not re-billed.
	for _, idx := range []int{1, 3} {
		for _, stage := range jobs.SegmentStages() {
			if exec2.count(stage, idx) != 0 {
				t.Fatalf("segment %d stage %s re-ran on resume", idx, stage)
			}
		}
	}
	// The failed segment redoes only the revise stage.
	if exec2.count(jobs.StageTranscribe, 2) != 0 || exec2.count(jobs.StageReview, 2) != 0 {
		t.Fatal("resume must reuse stored transcribe/review outputs")
	}
	if exec2.count(jobs.StageRevise, 2) != 1 {
		t.Fatalf("revise for segment 2 ran %d times, want 1", exec2.count(jobs.StageRevise, 2))
	}
	// New segment output invalidates the stored analysis.
	if exec2.analyzeCalls != 1 {
		t.Fatalf("analyze calls on resume: %d", exec2.analyzeCalls)
	}
	if !strings.Contains(exec2.lastAnalyzeInput, "revised 2") {
		t.Fatalf("resumed analysis input should include the newly revised segment: %q", exec2.lastAnalyzeInput)
	}
}

func TestRun_RerunAfterSuccessMakesNoCalls(t *testing.T) {
	exec1 := newFakeExec()
	job := makeJob(t, 3, jobs.RunOptions{})
	res1 := runJob(t, exec1, job, 1)
	if res1.Status != jobs.JobCompleted {
		t.Fatalf("first run status %q", res1.Status)
	}

	job2 := &jobs.Job{ID: job.ID, WorkDir: job.WorkDir, Options: job.Options}
	for _, seg := range job.Segments {
		job2.Segments = append(job2.Segments, jobs.NewSegment(seg.Index, seg.AudioPath, seg.DurationSeconds))
	}
	exec2 := newFakeExec()
	res2 := runJob(t, exec2, job2, 1)

	if got := exec2.totalCalls(); got != 0 {
		t.Fatalf("rerun made %d external calls, want 0", got)
	}
	if res2.Status != jobs.JobCompleted || res2.Skipped != 3 {
		t.Fatalf("rerun result %+v", res2)
	}
	if res2.Analysis == nil || res2.Analysis.Summary != "the summary" {
		t.Fatalf("rerun should reload the stored analysis: %+v", res2.Analysis)
	}
	if res2.Merged.Raw != res1.Merged.Raw || res2.Merged.Revised != res1.Merged.Revised {
		t.Fatal("rerun should rebuild identical merged output")
	}
}

func TestRun_ConcurrentWorkersKeepMergeOrder(t *testing.T) {
	exec := newFakeExec()
	// Reverse the finishing order: the first segment is the slowest.
	exec.delay[key(jobs.StageTranscribe, 1)] = 60 * time.Millisecond
	exec.delay[key(jobs.StageTranscribe, 2)] = 30 * time.Millisecond
	job := makeJob(t, 3, jobs.RunOptions{})
	res := runJob(t, exec, job, 3)

	if res.Status != jobs.JobCompleted {
		t.Fatalf("status %q", res.Status)
	}
	order := []string{"SEG 01", "SEG 02", "SEG 03"}
	pos := -1
	for _, marker := range order {
		p := strings.Index(res.Merged.Revised, marker)
		if p < 0 || p < pos {
			t.Fatalf("marker %q missing or out of order despite concurrency:\n%s", marker, res.Merged.Revised)
		}
		pos = p
	}
}

func TestRun_PreviewTruncatesOnlyAnalysisInput(t *testing.T) {
	exec := newFakeExec()
	job := makeJob(t, 2, jobs.RunOptions{
		Preview: jobs.PreviewOptions{Enabled: true, MaxCharacters: 10},
	})
	res := runJob(t, exec, job, 1)

	full := "revised 1\n\nrevised 2"
	want := string([]rune(full)[:10])
	if exec.lastAnalyzeInput != want {
		t.Fatalf("analysis input %q, want exact prefix %q", exec.lastAnalyzeInput, want)
	}
	// Stored artifacts and merged output stay complete.
	if !strings.Contains(res.Merged.Revised, "revised 2") {
		t.Fatal("merged output must not be truncated by preview")
	}
	store := jobs.NewFileStore(job.WorkDir)
	text, err := store.LoadStageText(2, jobs.StageRevise)
	if err != nil || text != "revised 2" {
		t.Fatalf("stage artifact altered: %q, %v", text, err)
	}
}

func TestRun_UnusableManifestIsFatal(t *testing.T) {
	job := makeJob(t, 1, jobs.RunOptions{})
	store := jobs.NewFileStore(job.WorkDir)
	// A directory at the manifest path breaks the status replay, the very
	// first manifest access, so the run must abort before any external call.
	if err := os.Mkdir(store.ManifestPath(), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	exec := newFakeExec()
	_, err := New(testLogger(), exec, 1).Run(context.Background(), job)
	if err == nil {
		t.Fatal("expected fatal manifest error")
	}
	if !manifest.IsWriteError(err) {
		t.Fatalf("expected manifest durability error, got %v", err)
	}
	if n := exec.totalCalls(); n != 0 {
		t.Fatalf("made %d external calls with an unusable manifest, want 0", n)
	}
}

func TestRun_CancellationStopsBetweenStages(t *testing.T) {
	exec := newFakeExec()
	exec.delay[key(jobs.StageTranscribe, 1)] = 50 * time.Millisecond
	job := makeJob(t, 3, jobs.RunOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := New(testLogger(), exec, 1).Run(ctx, job)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// Whatever completed before the cancel is on record for resume.
	status, lerr := manifest.LoadStatus(jobs.NewFileStore(job.WorkDir).ManifestPath())
	if lerr != nil {
		t.Fatalf("LoadStatus after cancel: %v", lerr)
	}
	for idx, st := range status {
		if st == jobs.SegmentFailed {
			t.Fatalf("cancellation must not mark segment %d failed", idx)
		}
	}
}
