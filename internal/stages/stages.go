// Package stages implements the four pipeline stage executors. Each is a pure
// request/response against the gateway; retry and rate limiting live there,
// which keeps these functions trivial to test with a fake gateway.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"meetscribe/internal/gateway"
	"meetscribe/internal/jobs"
)

// Gateway is the subset of the service boundary the executors need.
type Gateway interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
	Generate(ctx context.Context, req gateway.GenerateRequest) (string, error)
}

var _ Gateway = (*gateway.Gateway)(nil)

// Executors binds the stage functions to a gateway.
type Executors struct {
	log *slog.Logger
	gw  Gateway
}

// New creates the stage executors.
func New(log *slog.Logger, gw Gateway) *Executors {
	return &Executors{log: log, gw: gw}
}

// Transcribe converts one segment audio file to plain text.
func (e *Executors) Transcribe(ctx context.Context, audioPath string) (string, error) {
	text, err := e.gw.Transcribe(ctx, audioPath)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

const reviewSystem = "You are a meticulous transcript reviewer for business meetings. " +
	"The recordings contain industry and company specific terminology that speech " +
	"recognition frequently gets wrong."

const reviewPromptFmt = `Review the following meeting transcript segment.

1. Find passages that are incoherent, use likely misrecognized terminology, or contradict their context.
2. Phrase each doubtful passage as a short clarifying question.
3. For each, suggest a more precise wording.

Respond as a JSON object with two fields:
- "problems": list of clarifying questions (strings)
- "suggestions": list of suggested corrections (strings)

Transcript segment:
%s`

// Review asks the text service for problems and correction suggestions and
// returns them formatted as review notes. An empty transcript yields empty notes.
func (e *Executors) Review(ctx context.Context, transcript string) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return "", nil
	}
	out, err := e.gw.Generate(ctx, gateway.GenerateRequest{
		System:     reviewSystem,
		Prompt:     fmt.Sprintf(reviewPromptFmt, transcript),
		JSONObject: true,
	})
	if err != nil {
		return "", err
	}

	var resp struct {
		Problems    []any `json:"problems"`
		Suggestions []any `json:"suggestions"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		return "", fmt.Errorf("parse review response: %w", err)
	}
	return formatReviewNotes(toStringList(resp.Problems), toStringList(resp.Suggestions)), nil
}

func formatReviewNotes(problems, suggestions []string) string {
	var b strings.Builder
	b.WriteString("Problems\n")
	for _, p := range problems {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	b.WriteString("\nSuggested corrections\n")
	for _, s := range suggestions {
		fmt.Fprintf(&b, "- %s\n", s)
	}
	return b.String()
}

const revisePromptFmt = `Below is a meeting transcript segment and reviewer notes pointing out
misrecognized terminology and incoherent passages. Produce a corrected version
of the transcript. Keep the speakers' meaning and level of detail; only fix
what the notes call out or what is clearly a transcription error.

Respond as a JSON object with one field:
- "revised_text": the corrected transcript (string)

Reviewer notes:
%s

Transcript segment:
%s`

// ApplyRevision produces the corrected transcript from the original text and
// the review notes.
func (e *Executors) ApplyRevision(ctx context.Context, transcript, notes string) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return "", nil
	}
	out, err := e.gw.Generate(ctx, gateway.GenerateRequest{
		System:     reviewSystem,
		Prompt:     fmt.Sprintf(revisePromptFmt, notes, transcript),
		JSONObject: true,
	})
	if err != nil {
		return "", err
	}

	var resp struct {
		RevisedText string `json:"revised_text"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		return "", fmt.Errorf("parse revision response: %w", err)
	}
	if strings.TrimSpace(resp.RevisedText) == "" {
		return "", fmt.Errorf("revision response has no revised_text")
	}
	return resp.RevisedText, nil
}

const analyzeSystem = "You are a rigorous strategy consultant who condenses long " +
	"meetings into decision-ready summaries and actionable task lists."

const analyzePromptFmt = `Condense the following meeting transcript into a decision-ready digest
for the leadership team. Be concrete and avoid filler adjectives; when the
transcript contains figures, use them.

Respond as a JSON object with three fields:
- "summary": a decision-oriented summary, opening with why the topic needs attention now (string)
- "outline": the main topics, each as "subject + action/impact + verifiable indicator" (list of strings)
- "action_items": recommended actions; strings, or objects with "action", "owner", "due", "kpi"

Transcript:
%s`

// Analyze runs the whole-job analysis over the revised merged transcript.
func (e *Executors) Analyze(ctx context.Context, revised string) (*jobs.Analysis, error) {
	if strings.TrimSpace(revised) == "" {
		return nil, fmt.Errorf("no text to analyze")
	}
	out, err := e.gw.Generate(ctx, gateway.GenerateRequest{
		System:     analyzeSystem,
		Prompt:     fmt.Sprintf(analyzePromptFmt, revised),
		JSONObject: true,
	})
	if err != nil {
		return nil, err
	}
	analysis, err := parseAnalysis(out)
	if err != nil {
		return nil, err
	}
	return analysis, nil
}

// parseAnalysis extracts summary/outline/action items, tolerating action items
// delivered either as strings or as {action,owner,due,kpi} objects.
func parseAnalysis(out string) (*jobs.Analysis, error) {
	var resp struct {
		Summary     string `json:"summary"`
		Outline     []any  `json:"outline"`
		ActionItems []any  `json:"action_items"`
		Todos       []any  `json:"todos"` // older prompt revisions used this key
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		return nil, fmt.Errorf("parse analysis response: %w", err)
	}
	items := resp.ActionItems
	if len(items) == 0 {
		items = resp.Todos
	}
	actionItems := make([]string, 0, len(items))
	for _, item := range items {
		if s := stringifyActionItem(item); s != "" {
			actionItems = append(actionItems, s)
		}
	}
	return &jobs.Analysis{
		Summary:     strings.TrimSpace(resp.Summary),
		Outline:     toStringList(resp.Outline),
		ActionItems: actionItems,
	}, nil
}

func stringifyActionItem(item any) string {
	switch v := item.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		action := firstString(v, "action", "task")
		owner := firstString(v, "owner", "role")
		due := firstString(v, "due", "timeline")
		kpi := firstString(v, "kpi", "metric")
		parts := make([]string, 0, 4)
		if action != "" {
			parts = append(parts, action)
		}
		if owner != "" {
			parts = append(parts, fmt.Sprintf("(owner: %s)", owner))
		}
		if due != "" {
			parts = append(parts, fmt.Sprintf("(due: %s)", due))
		}
		if kpi != "" {
			parts = append(parts, fmt.Sprintf("(kpi: %s)", kpi))
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func toStringList(items []any) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}
