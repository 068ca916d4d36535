// Package transcribe converts voice note audio into text using Google's
// Gemini API.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/convosync/convosync/internal/config"
)

// Transcriber converts an audio payload into plain text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

const transcriptionPrompt = "Transcribe this audio message verbatim. " +
	"Reply with the transcription text only, no commentary."

type sdkTranscriber struct {
	genaiClient *genai.Client
	log         *slog.Logger
	modelName   string
	maxRetries  int
	retryDelay  time.Duration
}

// NewTranscriber creates a Gemini-backed transcriber. The API key is
// required; callers that allow transcription to be disabled should not
// construct one at all.
func NewTranscriber(ctx context.Context, cfg config.TranscriberConfig, log *slog.Logger) (Transcriber, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("transcriber API key is required")
	}

	gi, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	logger := log.With("component", "transcriber")
	logger.Info("Transcriber initialized", "model", cfg.Model)
	return &sdkTranscriber{
		genaiClient: gi,
		log:         logger,
		modelName:   cfg.Model,
		maxRetries:  cfg.MaxRetries,
		retryDelay:  cfg.RetryDelay,
	}, nil
}

func (t *sdkTranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if len(audio) == 0 || mimeType == "" {
		return "", fmt.Errorf("audio data and MIME type are required")
	}
	t.log.DebugContext(ctx, "Transcribing audio", "size", len(audio), "mime_type", mimeType)

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(transcriptionPrompt),
			genai.NewPartFromBytes(audio, mimeType),
		}, genai.RoleUser),
	}

	resp, err := t.generateWithRetries(ctx, contents)
	if err != nil {
		return "", err
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		return "", fmt.Errorf("transcription blocked by safety filter: %v", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("transcription returned no content")
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("transcription returned empty text")
	}
	return text, nil
}

func (t *sdkTranscriber) generateWithRetries(ctx context.Context, contents []*genai.Content) (*genai.GenerateContentResponse, error) {
	var resp *genai.GenerateContentResponse
	var err error

	for i := 0; i <= t.maxRetries; i++ {
		resp, err = t.genaiClient.Models.GenerateContent(ctx, t.modelName, contents, nil)
		if err == nil {
			return resp, nil
		}

		t.log.WarnContext(ctx, "Gemini API call failed, checking for retry",
			"attempt", i+1, "max_retries", t.maxRetries, "error", err)

		var apiErr *genai.APIError
		if errors.As(err, &apiErr) && (apiErr.Code == 500 || apiErr.Code == 503) {
			if i < t.maxRetries {
				t.log.InfoContext(ctx, "Retrying transcription after retriable APIError",
					"delay", t.retryDelay, "code", apiErr.Code)
				time.Sleep(t.retryDelay)
				continue
			}
			return nil, fmt.Errorf("gemini API call failed after %d retries (APIError code %d): %w", t.maxRetries, apiErr.Code, err)
		}

		return nil, fmt.Errorf("gemini API call failed: %w", err)
	}
	return nil, err
}
