// Package manifest implements the append-only progress log that makes long,
// rate-limited runs restart-safe. Every stage attempt (success or terminal
// failure) is recorded as one JSON line; on restart the orchestrator rebuilds
// per-segment status from the log instead of trusting in-memory state.
package manifest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"meetscribe/internal/jobs"
)

// Outcome is the recorded result of one stage attempt.
type Outcome string

const (
	OutcomeOK     Outcome = "ok"
	OutcomeFailed Outcome = "failed"
)

// Entry is one immutable manifest record.
type Entry struct {
	Segment int        `json:"segment"`
	Stage   jobs.Stage `json:"stage"`
	Outcome Outcome    `json:"outcome"`
	Error   string     `json:"error,omitempty"`
	At      time.Time  `json:"at"`
}

// WriteError marks a manifest durability failure, on the write path or while
// replaying existing entries. Resume correctness depends on the manifest, so
// callers must abort the whole run when they see one.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("manifest: %v", e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// IsWriteError reports whether err carries a manifest durability failure.
func IsWriteError(err error) bool {
	var we *WriteError
	return errors.As(err, &we)
}

// Log is an append-only JSONL file. Appends are mutex-guarded and fsync'd;
// concurrent segment workers share one Log.
type Log struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Open opens (or creates) the manifest file for appending.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640) // #nosec G304 - store-derived path
	if err != nil {
		return nil, fmt.Errorf("open manifest %s: %w", path, err)
	}
	return &Log{path: path, f: f}, nil
}

// Path returns the manifest file location.
func (l *Log) Path() string { return l.path }

// Append durably records one stage attempt. Replaying an identical entry is
// harmless: LoadStatus folds entries, so duplicates change nothing.
func (l *Log) Append(e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return &WriteError{Err: err}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(append(data, '\n')); err != nil {
		return &WriteError{Err: err}
	}
	if err := l.f.Sync(); err != nil {
		return &WriteError{Err: err}
	}
	return nil
}

// Close releases the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// statusRank orders segment statuses by pipeline progress.
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

// LoadStatus replays a manifest file and returns the furthest successfully
// completed status per segment. Failed attempts do not advance a segment, so
// resume retries the failed stage. A missing file yields an empty map.
func LoadStatus(path string) (map[int]jobs.SegmentStatus, error) {
	f, err := os.Open(path) // #nosec G304 - store-derived path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[int]jobs.SegmentStatus{}, nil
		}
		return nil, fmt.Errorf("open manifest %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	status := make(map[int]jobs.SegmentStatus)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("manifest %s line %d: %w", path, line, err)
		}
		if e.Outcome != OutcomeOK {
			continue
		}
		after, err := jobs.StatusAfter(e.Stage)
		if err != nil {
			// Analyze entries carry no per-segment status.
			continue
		}
		if statusRank(after) > statusRank(status[e.Segment]) {
			status[e.Segment] = after
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan manifest %s: %w", path, err)
	}
	return status, nil
}

// Replay returns every entry in append order, for progress reporting.
func Replay(path string) ([]Entry, error) {
	f, err := os.Open(path) // #nosec G304 - store-derived path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open manifest %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("manifest %s line %d: %w", path, line, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan manifest %s: %w", path, err)
	}
	return entries, nil
}
