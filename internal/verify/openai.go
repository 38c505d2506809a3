package verify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const verifyPrompt = `You check product images for a catalogue.
Does this image show: %q?
Answer with a JSON object only: {"match": true|false, "score": <0.0-1.0>, "reason": "<short reason>"}.`

// OpenAIConfig holds the vision model settings
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAIVerifier asks an OpenAI-compatible vision model whether an image
// matches the query.
type OpenAIVerifier struct {
	client *openai.Client
	model  string
}

// NewOpenAIVerifier creates a verifier. An empty BaseURL keeps the client default.
func NewOpenAIVerifier(cfg OpenAIConfig) *OpenAIVerifier {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIVerifier{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}
}

type modelAnswer struct {
	Match  *bool   `json:"match"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// Verify implements Verifier
func (v *OpenAIVerifier) Verify(ctx context.Context, imagePath, query string) (Verdict, error) {
	dataURL, err := imageDataURL(imagePath)
	if err != nil {
		return Verdict{}, err
	}

	resp, err := v.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       v.model,
		Temperature: 0,
		MaxTokens:   200,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: fmt.Sprintf(verifyPrompt, query)},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
					URL:    dataURL,
					Detail: openai.ImageURLDetailLow,
				}},
			},
		}},
	})
	if err != nil {
		return Verdict{}, parseAPIError(err)
	}
	if len(resp.Choices) == 0 {
		return Verdict{}, errors.New("empty verification response")
	}

	return parseAnswer(resp.Choices[0].Message.Content)
}

// parseAnswer reads the model reply. Models sometimes wrap JSON in prose or
// code fences, so the outermost object is extracted first.
func parseAnswer(content string) (Verdict, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return Verdict{}, fmt.Errorf("no JSON object in verification response: %q", content)
	}

	var ans modelAnswer
	if err := json.Unmarshal([]byte(content[start:end+1]), &ans); err != nil {
		return Verdict{}, fmt.Errorf("failed to parse verification response: %w", err)
	}

	score := ans.Score
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	accepted := score > 0
	if ans.Match != nil {
		accepted = *ans.Match
	}
	return Verdict{Accepted: accepted, Score: score, Reason: ans.Reason}, nil
}

func imageDataURL(path string) (string, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("failed to read image: %w", err)
	}
	mime := http.DetectContentType(data)
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func parseAPIError(err error) error {
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("verification API error %d: %s", reqErr.HTTPStatusCode, string(reqErr.Body))
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("verification API error %d: %s", apiErr.HTTPStatusCode, apiErr.Message)
	}
	return fmt.Errorf("verification request failed: %w", err)
}
