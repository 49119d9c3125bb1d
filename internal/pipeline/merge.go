package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"

	"meetscribe/internal/jobs"
)

// Merged transcript section labels.
const (
	viewTranscript = "TRANSCRIPT"
	viewReview     = "REVIEW"
	viewRevised    = "REVISED"
)

// sectionMarker is the boundary line between segment sections. It carries the
// segment index so merged documents stay position-accurate.
func sectionMarker(view string, index int, audioPath string) string {
	return fmt.Sprintf("=== %s SEG %02d | %s ===", view, index, filepath.Base(audioPath))
}

// buildMerged assembles the three merged views in ascending index order,
// regardless of the order segments finished in. Segments that never produced a
// stage output get an inline placeholder so the documents remain readable.
func buildMerged(segments []*jobs.Segment) jobs.MergedTranscript {
	return jobs.MergedTranscript{
		Raw:     mergeView(segments, viewTranscript, func(s *jobs.Segment) string { return s.Transcript }),
		Review:  mergeView(segments, viewReview, func(s *jobs.Segment) string { return s.ReviewNotes }),
		Revised: mergeView(segments, viewRevised, func(s *jobs.Segment) string { return s.RevisedText }),
	}
}

func mergeView(segments []*jobs.Segment, view string, text func(*jobs.Segment) string) string {
	var b strings.Builder
	for i, seg := range segments {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(sectionMarker(view, seg.Index, seg.AudioPath))
		b.WriteString("\n")
		b.WriteString(sectionBody(seg, text(seg)))
		b.WriteString("\n")
	}
	return b.String()
}

func sectionBody(seg *jobs.Segment, text string) string {
	if text != "" {
		return text
	}
	switch seg.Status {
	case jobs.SegmentFailed:
		return fmt.Sprintf("segment %d failed: %s", seg.Index, seg.Err)
	case jobs.SegmentRevised:
		return "(empty)"
	default:
		return fmt.Sprintf("segment %d incomplete", seg.Index)
	}
}

// analysisInput concatenates the revised text of successfully revised segments
// in index order. Failed segments contribute nothing: the analysis input must
// be clean prose, not placeholders. The preview duration budget cuts the list
// once the cumulative audio duration passes it (always keeping at least one
// segment).
func analysisInput(segments []*jobs.Segment, preview jobs.PreviewOptions) string {
	var parts []string
	var elapsed float64
	for _, seg := range segments {
		if seg.Status != jobs.SegmentRevised || seg.RevisedText == "" {
			continue
		}
		if preview.Enabled && preview.MaxDurationSeconds > 0 &&
			len(parts) > 0 && elapsed >= float64(preview.MaxDurationSeconds) {
			break
		}
		parts = append(parts, seg.RevisedText)
		elapsed += seg.DurationSeconds
	}
	return strings.Join(parts, "\n\n")
}
