package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/mailpilot/mailpilot/internal/types"
)

const (
	claudeAPIURL       = "https://api.anthropic.com/v1/messages"
	claudeAPIVersion   = "2023-06-01"
	claudeDefaultModel = "claude-haiku-4-5-20251001"
)

// ClaudeProvider classifies messages through the Anthropic Messages API.
type ClaudeProvider struct {
	apiKey string
	model  string
	client *http.Client
}

// NewClaudeProvider builds a Claude provider. An empty apiKey falls back
// to the ANTHROPIC_API_KEY environment variable.
func NewClaudeProvider(apiKey, model string) *ClaudeProvider {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if model == "" {
		model = claudeDefaultModel
	}
	return &ClaudeProvider{
		apiKey: apiKey,
		model:  model,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

// Name identifies the provider.
func (p *ClaudeProvider) Name() string { return "claude" }

// Available reports whether an API key is configured.
func (p *ClaudeProvider) Available(ctx context.Context) bool {
	return p.apiKey != ""
}

// Classify recommends an action with optional context rules.
func (p *ClaudeProvider) Classify(ctx context.Context, m *types.Message, contextRules string) (*types.Decision, error) {
	userPrompt := "Analyze this email and recommend an action:\n\n" + emailBlock(m, 3000)
	if contextRules != "" {
		userPrompt = "Context/Rules:\n" + contextRules + "\n\n" + userPrompt
	}
	text, err := p.complete(ctx, classifySystemPrompt, userPrompt, 1024)
	if err != nil {
		return nil, err
	}
	return ParseDecision(text)
}

// AutopilotClassify decides an action from natural language instructions.
func (p *ClaudeProvider) AutopilotClassify(ctx context.Context, m *types.Message, instructions string) (*types.Decision, error) {
	userPrompt := fmt.Sprintf(`## USER'S EMAIL HANDLING INSTRUCTIONS:
%s

## EMAIL TO PROCESS:
%s

Based on the user's instructions above, decide what action to take for this email. Respond with only a JSON object.`,
		instructions, emailBlock(m, 4000))

	text, err := p.complete(ctx, autopilotSystemPrompt, userPrompt, 2048)
	if err != nil {
		return nil, err
	}
	return ParseDecision(text)
}

// GenerateReply drafts a reply following the given template.
func (p *ClaudeProvider) GenerateReply(ctx context.Context, m *types.Message, template string) (string, error) {
	system := "You draft email replies on the user's behalf. Write only the reply body, no subject line, no signature placeholders."
	userPrompt := fmt.Sprintf("Reply instructions/template:\n%s\n\nEmail to reply to:\n%s", template, emailBlock(m, 3000))
	return p.complete(ctx, system, userPrompt, 2048)
}

// claudeRequest is the Messages API request body.
type claudeRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    string          `json:"system"`
	Messages  []claudeMessage `json:"messages"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

type claudeErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// complete makes one Messages API call and returns the text content.
func (p *ClaudeProvider) complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	if p.apiKey == "" {
		return "", fmt.Errorf("claude provider not configured: missing API key")
	}

	body, err := json.Marshal(claudeRequest{
		Model:     p.model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  []claudeMessage{{Role: "user", Content: user}},
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, claudeAPIURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", claudeAPIVersion)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling Claude API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr claudeErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var result claudeResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	for _, block := range result.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("empty response from Claude API")
}

var _ Provider = (*ClaudeProvider)(nil)
