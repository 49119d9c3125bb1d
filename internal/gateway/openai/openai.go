// Package openai implements the gateway.Provider against the OpenAI API,
// using the audio transcription endpoint for segments and chat completions
// for review, revision and analysis.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"meetscribe/internal/config"
	"meetscribe/internal/gateway"
)

var _ gateway.Provider = (*Client)(nil)

// ErrAPIKeyNotSet is returned when no API key is configured.
var ErrAPIKeyNotSet = errors.New("openai api key not set")

// Client calls the OpenAI API and classifies failures for the Gateway.
type Client struct {
	client          openai.Client
	transcribeModel string
	chatModel       string
	temperature     float64
	maxTokens       int
}

// New creates an OpenAI provider from settings.
func New(cfg config.OpenAISettings) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	return &Client{
		client:          openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		transcribeModel: cfg.TranscribeModel,
		chatModel:       cfg.ChatModel,
		temperature:     cfg.Temperature,
		maxTokens:       cfg.MaxTokens,
	}, nil
}

// Transcribe sends one segment audio file to the transcription endpoint and
// returns plain text.
func (c *Client) Transcribe(ctx context.Context, audioPath string) (string, error) {
	f, err := os.Open(audioPath) // #nosec G304 - path comes from the job's segment store
	if err != nil {
		// A missing or unreadable segment file cannot be fixed by retrying.
		return "", gateway.Permanent(fmt.Errorf("open segment audio: %w", err))
	}
	defer func() { _ = f.Close() }()

	resp, err := c.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		Model: openai.AudioModel(c.transcribeModel),
		File:  f,
	})
	if err != nil {
		return "", classify(err)
	}
	return resp.Text, nil
}

// Generate sends a chat completion request and returns the first choice text.
func (c *Client) Generate(ctx context.Context, req gateway.GenerateRequest) (string, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.chatModel),
		Messages: messages,
	}
	temperature := c.temperature
	if req.Temperature != 0 {
		temperature = req.Temperature
	}
	if temperature != 0 {
		params.Temperature = openai.Float(temperature)
	}
	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}
	if req.JSONObject {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{
				Type: "json_object",
			},
		}
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classify(err)
	}
	if len(completion.Choices) == 0 || completion.Choices[0].Message.Content == "" {
		return "", gateway.Permanent(errors.New("empty completion"))
	}
	return completion.Choices[0].Message.Content, nil
}

// classify maps API failures onto the gateway error taxonomy: rate limits and
// 5xx are transient, other API status codes are permanent, and everything
// else (transport failures, timeouts) is worth a retry.
func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			return gateway.Transient(err)
		}
		return gateway.Permanent(err)
	}
	return gateway.Transient(err)
}
