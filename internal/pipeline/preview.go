package pipeline

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"meetscribe/internal/jobs"
)

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
	encoderErr  error
)

// analysisEncoder lazily loads the cl100k_base encoding used by the chat models.
func analysisEncoder() (*tiktoken.Tiktoken, error) {
	encoderOnce.Do(func() {
		encoder, encoderErr = tiktoken.GetEncoding("cl100k_base")
	})
	return encoder, encoderErr
}

// truncateForAnalysis applies the preview character and token budgets to the
// analysis input. Stored per-segment artifacts are never truncated; only the
// text handed to the Analyze stage is.
func (o *Orchestrator) truncateForAnalysis(text string, preview jobs.PreviewOptions) string {
	if !preview.Enabled {
		return text
	}
	if preview.MaxCharacters > 0 {
		runes := []rune(text)
		if len(runes) > preview.MaxCharacters {
			text = string(runes[:preview.MaxCharacters])
		}
	}
	if preview.MaxTokens > 0 {
		enc, err := analysisEncoder()
		if err != nil {
			o.log.Warn("token budget skipped, encoding unavailable", "err", err)
			return text
		}
		tokens := enc.Encode(text, nil, nil)
		if len(tokens) > preview.MaxTokens {
			text = enc.Decode(tokens[:preview.MaxTokens])
		}
	}
	return text
}
