// Package export renders the finished job bundle into the summary artifacts
// dropped next to the merged transcripts: plain text for terminals, markdown
// for sharing, JSON for machines.
package export

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"meetscribe/internal/jobs"
)

// Summary artifact file names under final/.
const (
	SummaryTextFile     = "summary.txt"
	SummaryMarkdownFile = "summary.md"
	SummaryJSONFile     = "summary.json"
)

// Exporter writes summary artifacts for finished jobs.
type Exporter struct {
	log *slog.Logger
}

// New creates an exporter.
func New(log *slog.Logger) *Exporter {
	return &Exporter{log: log}
}

// Write renders and stores all summary artifacts for a finished job.
func (e *Exporter) Write(store *jobs.FileStore, job *jobs.Job, res *jobs.Result) error {
	if err := store.SaveFinal(SummaryTextFile, []byte(RenderText(job, res))); err != nil {
		return fmt.Errorf("export %s: %w", SummaryTextFile, err)
	}
	if err := store.SaveFinal(SummaryMarkdownFile, []byte(RenderMarkdown(job, res))); err != nil {
		return fmt.Errorf("export %s: %w", SummaryMarkdownFile, err)
	}
	data, err := RenderJSON(job, res)
	if err != nil {
		return err
	}
	if err := store.SaveFinal(SummaryJSONFile, data); err != nil {
		return fmt.Errorf("export %s: %w", SummaryJSONFile, err)
	}
	e.log.Info("summary artifacts written", "job_id", job.ID, "dir", store.FinalDir())
	return nil
}

// RenderText produces the plain text summary.
func RenderText(job *jobs.Job, res *jobs.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job %s: %s\n", job.ID, res.Status)
	fmt.Fprintf(&b, "Segments: %d succeeded, %d failed, %d resumed\n",
		res.Succeeded, res.Failed, res.Skipped)
	if res.Analysis == nil {
		b.WriteString("\nNo analysis was produced for this run.\n")
		return b.String()
	}
	a := res.Analysis
	if a.Partial {
		b.WriteString("\nNote: analysis is based on an incomplete transcript.\n")
	}
	b.WriteString("\nSummary\n")
	b.WriteString(a.Summary)
	b.WriteString("\n")
	if len(a.Outline) > 0 {
		b.WriteString("\nOutline\n")
		for _, item := range a.Outline {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}
	if len(a.ActionItems) > 0 {
		b.WriteString("\nAction items\n")
		for _, item := range a.ActionItems {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}
	return b.String()
}

// RenderMarkdown produces the shareable markdown summary.
func RenderMarkdown(job *jobs.Job, res *jobs.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Meeting Summary\n\n")
	fmt.Fprintf(&b, "**Job:** `%s`  \n", job.ID)
	fmt.Fprintf(&b, "**Status:** %s  \n", res.Status)
	fmt.Fprintf(&b, "**Segments:** %d succeeded / %d failed / %d resumed\n",
		res.Succeeded, res.Failed, res.Skipped)
	if res.Analysis == nil {
		b.WriteString("\n_No analysis was produced for this run._\n")
		return b.String()
	}
	a := res.Analysis
	if a.Partial {
		b.WriteString("\n> Analysis is based on an incomplete transcript.\n")
	}
	b.WriteString("\n## Summary\n\n")
	b.WriteString(a.Summary)
	b.WriteString("\n")
	if len(a.Outline) > 0 {
		b.WriteString("\n## Outline\n\n")
		for _, item := range a.Outline {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}
	if len(a.ActionItems) > 0 {
		b.WriteString("\n## Action Items\n\n")
		for _, item := range a.ActionItems {
			fmt.Fprintf(&b, "- [ ] %s\n", item)
		}
	}
	return b.String()
}

// summaryDoc is the machine-readable summary schema.
type summaryDoc struct {
	JobID       string         `json:"job_id"`
	Status      jobs.JobStatus `json:"status"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	Skipped     int            `json:"skipped"`
	Analysis    *jobs.Analysis `json:"analysis,omitempty"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// RenderJSON produces the machine-readable summary document.
func RenderJSON(job *jobs.Job, res *jobs.Result) ([]byte, error) {
	doc := summaryDoc{
		JobID:       job.ID,
		Status:      res.Status,
		Succeeded:   res.Succeeded,
		Failed:      res.Failed,
		Skipped:     res.Skipped,
		Analysis:    res.Analysis,
		GeneratedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal summary: %w", err)
	}
	return data, nil
}
