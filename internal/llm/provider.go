package llm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mkurata/saiten/internal/model"
)

// request is a fully built provider call: the adapter output consumed by
// the HTTP layer.
type request struct {
	url    string
	header http.Header
	body   []byte
}

// provider translates between the normalized grading prompt and one
// backend's wire format. Adding a backend means adding one implementation
// here; no call site branches on the provider.
type provider interface {
	buildRequest(p Prompt, cfg model.LLMConfig) (*request, error)
	parseResponse(status int, body []byte) (string, error)
}

// newProvider selects the adapter for the configured provider. Called once
// per client; the choice never reappears at call sites.
func newProvider(cfg model.LLMConfig) (provider, error) {
	switch cfg.Provider {
	case model.ProviderLMStudio:
		return lmStudioProvider{}, nil
	case model.ProviderOllama:
		return ollamaProvider{}, nil
	case model.ProviderAzureOpenAI:
		return azureOpenAIProvider{}, nil
	case model.ProviderGemini:
		return geminiProvider{}, nil
	default:
		return nil, &ConfigurationError{Provider: cfg.Provider}
	}
}

// chatRequest is the chat-completion request body shared by the
// OpenAI-compatible providers. Temperature is always sent; max_tokens only
// when the config enables the cap.
type chatRequest struct {
	Model       string                         `json:"model"`
	Messages    []openai.ChatCompletionMessage `json:"messages"`
	Temperature float64                        `json:"temperature"`
	MaxTokens   int                            `json:"max_tokens,omitempty"`
}

func buildChatBody(p Prompt, cfg model.LLMConfig) ([]byte, error) {
	req := chatRequest{
		Model: cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: p.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: p.UserPrompt()},
		},
		Temperature: cfg.Temperature,
	}
	if cfg.UseMaxTokens {
		req.MaxTokens = cfg.MaxTokens
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	return body, nil
}

// parseChatResponse extracts the completion text from a chat-completion
// envelope.
func parseChatResponse(status int, body []byte) (string, error) {
	if status < 200 || status >= 300 {
		return "", &TransportError{StatusCode: status}
	}
	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

func jsonHeader() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return h
}

// lmStudioProvider talks to a local LM Studio server. LM Studio insists on
// an Authorization header even though it ignores the key.
type lmStudioProvider struct{}

func (lmStudioProvider) buildRequest(p Prompt, cfg model.LLMConfig) (*request, error) {
	body, err := buildChatBody(p, cfg)
	if err != nil {
		return nil, err
	}
	h := jsonHeader()
	h.Set("Authorization", "Bearer dummy-key")
	return &request{
		url:    cfg.Endpoint + "/chat/completions",
		header: h,
		body:   body,
	}, nil
}

func (lmStudioProvider) parseResponse(status int, body []byte) (string, error) {
	return parseChatResponse(status, body)
}

// ollamaProvider talks to a local Ollama server through its
// OpenAI-compatible route. No auth header.
type ollamaProvider struct{}

func (ollamaProvider) buildRequest(p Prompt, cfg model.LLMConfig) (*request, error) {
	body, err := buildChatBody(p, cfg)
	if err != nil {
		return nil, err
	}
	host := cfg.OllamaHost
	if host == "" {
		host = cfg.Endpoint
	}
	return &request{
		url:    host + "/v1/chat/completions",
		header: jsonHeader(),
		body:   body,
	}, nil
}

func (ollamaProvider) parseResponse(status int, body []byte) (string, error) {
	return parseChatResponse(status, body)
}

// azureOpenAIProvider talks to Azure OpenAI. The URL shape depends on the
// API generation: the v1 surface uses a flat path, the traditional surface
// routes through the deployment id plus an api-version query parameter.
type azureOpenAIProvider struct{}

func (azureOpenAIProvider) buildRequest(p Prompt, cfg model.LLMConfig) (*request, error) {
	body, err := buildChatBody(p, cfg)
	if err != nil {
		return nil, err
	}

	var url string
	if strings.Contains(cfg.APIVersion, "v1") {
		url = cfg.Endpoint + "/openai/v1/chat/completions"
	} else {
		url = fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			cfg.Endpoint, cfg.DeploymentID, cfg.APIVersion)
	}

	h := jsonHeader()
	if cfg.APIKey != "" {
		h.Set("api-key", cfg.APIKey)
	}
	return &request{url: url, header: h, body: body}, nil
}

func (azureOpenAIProvider) parseResponse(status int, body []byte) (string, error) {
	return parseChatResponse(status, body)
}

// geminiRequest is the generative-language request envelope. The system and
// user sections are concatenated into a single text part because the
// generateContent route has no system turn.
type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// geminiProvider talks to the Google generative-language API.
type geminiProvider struct{}

func (geminiProvider) buildRequest(p Prompt, cfg model.LLMConfig) (*request, error) {
	gc := geminiGenerationConfig{Temperature: cfg.Temperature}
	if cfg.UseMaxTokens {
		gc.MaxOutputTokens = cfg.MaxTokens
	}
	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{
			{Parts: []geminiPart{{Text: p.SystemPrompt + "\n\n" + p.UserPrompt()}}},
		},
		GenerationConfig: gc,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal gemini request: %w", err)
	}

	h := jsonHeader()
	if cfg.GeminiAPIKey != "" {
		h.Set("x-goog-api-key", cfg.GeminiAPIKey)
	}
	return &request{
		url:    fmt.Sprintf("%s/models/%s:generateContent", cfg.Endpoint, cfg.Model),
		header: h,
		body:   body,
	}, nil
}

func (geminiProvider) parseResponse(status int, body []byte) (string, error) {
	if status < 200 || status >= 300 {
		return "", &TransportError{StatusCode: status}
	}
	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode gemini response: %w", err)
	}
	if len(resp.Candidates) == 0 ||
		len(resp.Candidates[0].Content.Parts) == 0 ||
		resp.Candidates[0].Content.Parts[0].Text == "" {
		return "", ErrEmptyResponse
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}
