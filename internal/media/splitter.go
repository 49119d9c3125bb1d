// Package media shells out to ffmpeg/ffprobe to slice a recording into
// fixed-duration mono segments the transcription models accept.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"meetscribe/internal/common"
	"meetscribe/internal/jobs"
)

// commandRunner abstracts process execution so tests can stub the tools.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204 - fixed executables, computed args
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", name, err, firstLines(out, 5))
	}
	return out, nil
}

func firstLines(out []byte, n int) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, " | ")
}

// Splitter slices recordings into segments and discovers pre-split directories.
type Splitter struct {
	log          *slog.Logger
	runner       commandRunner
	chunkSeconds int
}

// NewSplitter creates a splitter producing chunkSeconds-long segments.
func NewSplitter(log *slog.Logger, chunkSeconds int) *Splitter {
	if chunkSeconds <= 0 {
		chunkSeconds = common.DefaultChunkSeconds
	}
	return &Splitter{log: log, runner: execRunner{}, chunkSeconds: chunkSeconds}
}

// Split slices sourcePath into destDir/part_NN.wav segments (mono, 16kHz, the
// cheapest format the transcription models accept) and returns them in index
// order. Any part_*.wav left over from a previous attempt is removed first so
// a re-split never mixes old and new slices.
func (s *Splitter) Split(ctx context.Context, sourcePath, destDir string) ([]*jobs.Segment, error) {
	total, err := s.probeDuration(ctx, sourcePath)
	if err != nil {
		return nil, err
	}
	if err := clearSegments(destDir); err != nil {
		return nil, err
	}

	pattern := filepath.Join(destDir, "part_%02d.wav")
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", sourcePath,
		"-f", "segment",
		"-segment_time", strconv.Itoa(s.chunkSeconds),
		"-segment_start_number", "1",
		"-ac", "1",
		"-ar", "16000",
		pattern,
	}
	s.log.Info("splitting recording",
		"source", filepath.Base(sourcePath),
		"chunk_seconds", s.chunkSeconds,
		"total_seconds", total)
	if _, err := s.runner.Run(ctx, common.FFmpegExecutable, args...); err != nil {
		return nil, fmt.Errorf("split recording: %w", err)
	}

	paths, err := ListSegments(destDir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("split produced no segments in %s", destDir)
	}

	segments := make([]*jobs.Segment, len(paths))
	for i, p := range paths {
		dur := float64(s.chunkSeconds)
		if i == len(paths)-1 {
			if last := total - float64(s.chunkSeconds)*float64(len(paths)-1); last > 0 {
				dur = last
			}
		}
		segments[i] = jobs.NewSegment(i+1, p, dur)
	}
	return segments, nil
}

// Discover builds the segment list from a directory that already contains
// audio slices, ordered by the number embedded in each file name. Duration is
// probed per file; a probe failure leaves the duration at zero rather than
// failing the job.
func (s *Splitter) Discover(ctx context.Context, dir string) ([]*jobs.Segment, error) {
	paths, err := ListSegments(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no audio segments found in %s", dir)
	}
	segments := make([]*jobs.Segment, len(paths))
	for i, p := range paths {
		dur, err := s.probeDuration(ctx, p)
		if err != nil {
			s.log.Warn("duration probe failed", "file", filepath.Base(p), "err", err)
			dur = 0
		}
		segments[i] = jobs.NewSegment(i+1, p, dur)
	}
	return segments, nil
}

func (s *Splitter) probeDuration(ctx context.Context, path string) (float64, error) {
	out, err := s.runner.Run(ctx, common.FFprobeExecutable,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", filepath.Base(path), err)
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("probe %s: unparsable duration %q", filepath.Base(path), strings.TrimSpace(string(out)))
	}
	return dur, nil
}

var audioExtensions = map[string]bool{
	".wav": true,
	".mp3": true,
	".m4a": true,
}

var segmentNumber = regexp.MustCompile(`(\d+)`)

// ListSegments returns the audio files in dir sorted by the first number in
// each file name (then by name), so part_02 sorts before part_10.
func ListSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list segments in %s: %w", dir, err)
	}
	type numbered struct {
		path string
		n    int
	}
	var found []numbered
	for _, e := range entries {
		if e.IsDir() || !audioExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		n := -1
		if m := segmentNumber.FindString(e.Name()); m != "" {
			if v, err := strconv.Atoi(m); err == nil {
				n = v
			}
		}
		found = append(found, numbered{path: filepath.Join(dir, e.Name()), n: n})
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].n != found[j].n {
			return found[i].n < found[j].n
		}
		return found[i].path < found[j].path
	})
	paths := make([]string, len(found))
	for i, f := range found {
		paths[i] = f.path
	}
	return paths, nil
}

func clearSegments(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "part_*.wav"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			return fmt.Errorf("remove stale segment %s: %w", m, err)
		}
	}
	return nil
}
