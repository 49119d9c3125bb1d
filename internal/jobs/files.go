package jobs

import (
	"fmt"
	"os"
	"path/filepath"

	"meetscribe/internal/common"
)

// FileStore lays out one job's working directory and owns the per-segment and
// final artifact files. All writes are per-segment-keyed, so concurrent
// workers never touch the same file.
//
// Layout under root:
//
//	segments/       audio slices produced by the splitter
//	segments_text/  seg_NN_transcript.txt / seg_NN_review.txt / seg_NN_revised.txt
//	final/          merged transcripts and summary artifacts
//	logs/           manifest.log
type FileStore struct {
	root string
}

// NewFileStore creates a store rooted at the job working directory.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

// Root returns the job working directory.
func (s *FileStore) Root() string { return s.root }

// SegmentsDir is where the splitter drops audio slices.
func (s *FileStore) SegmentsDir() string {
	return filepath.Join(s.root, common.SegmentsDirName)
}

// TextDir holds per-segment per-stage text artifacts.
func (s *FileStore) TextDir() string {
	return filepath.Join(s.root, common.SegmentTextDirName)
}

// FinalDir holds merged transcripts and summary artifacts.
func (s *FileStore) FinalDir() string {
	return filepath.Join(s.root, common.FinalDirName)
}

// ManifestPath is the append-only progress log location.
func (s *FileStore) ManifestPath() string {
	return filepath.Join(s.root, common.LogsDirName, common.ManifestFileName)
}

// EnsureLayout creates the working directory tree.
func (s *FileStore) EnsureLayout() error {
	for _, dir := range []string{
		s.SegmentsDir(),
		s.TextDir(),
		s.FinalDir(),
		filepath.Join(s.root, common.LogsDirName),
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("ensure %s: %w", dir, err)
		}
	}
	return nil
}

// stageSuffix maps a per-segment stage to its artifact file suffix.
func stageSuffix(stage Stage) (string, error) {
	switch stage {
	case StageTranscribe:
		return "transcript", nil
	case StageReview:
		return "review", nil
	case StageRevise:
		return "revised", nil
	default:
		return "", fmt.Errorf("stage %q has no segment artifact", stage)
	}
}

// StagePath returns the artifact path for one segment stage output.
func (s *FileStore) StagePath(index int, stage Stage) (string, error) {
	suffix, err := stageSuffix(stage)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.TextDir(), fmt.Sprintf("seg_%02d_%s.txt", index, suffix)), nil
}

// SaveStageText durably stores one segment stage output.
func (s *FileStore) SaveStageText(index int, stage Stage, text string) error {
	path, err := s.StagePath(index, stage)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, []byte(text))
}

// LoadStageText reads a previously stored segment stage output.
func (s *FileStore) LoadStageText(index int, stage Stage) (string, error) {
	path, err := s.StagePath(index, stage)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path) // #nosec G304 - path is store-derived
	if err != nil {
		return "", fmt.Errorf("read stage artifact: %w", err)
	}
	return string(data), nil
}

// HasStageText reports whether the stage artifact exists on disk.
func (s *FileStore) HasStageText(index int, stage Stage) bool {
	path, err := s.StagePath(index, stage)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// SaveFinal stores a job-level artifact (merged transcript, summary) under final/.
func (s *FileStore) SaveFinal(name string, data []byte) error {
	return writeFileAtomic(filepath.Join(s.FinalDir(), name), data)
}

// FinalPath returns the path of a job-level artifact.
func (s *FileStore) FinalPath(name string) string {
	return filepath.Join(s.FinalDir(), name)
}

// writeFileAtomic writes via a temp file in the target directory followed by
// rename, so readers never observe a partially written artifact.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create parent for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(dir, ".meetscribe-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
