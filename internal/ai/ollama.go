package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mailpilot/mailpilot/internal/types"
)

const ollamaDefaultHost = "http://localhost:11434"

// OllamaProvider classifies messages through a local Ollama server.
type OllamaProvider struct {
	host   string
	model  string
	client *http.Client
}

// NewOllamaProvider builds an Ollama provider for a local model.
func NewOllamaProvider(host, model string) *OllamaProvider {
	if host == "" {
		host = ollamaDefaultHost
	}
	if model == "" {
		model = "llama3.2"
	}
	return &OllamaProvider{
		host:   strings.TrimRight(host, "/"),
		model:  model,
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

// Name identifies the provider.
func (p *OllamaProvider) Name() string { return "ollama" }

// Available pings the Ollama server.
func (p *OllamaProvider) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Classify recommends an action with optional context rules.
func (p *OllamaProvider) Classify(ctx context.Context, m *types.Message, contextRules string) (*types.Decision, error) {
	prompt := classifySystemPrompt + "\n\nEmail to analyze:\n" + emailBlock(m, 2000)
	if contextRules != "" {
		prompt = "Rules to follow:\n" + contextRules + "\n\n" + prompt
	}
	text, err := p.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return ParseDecision(text)
}

// AutopilotClassify decides an action from natural language instructions.
func (p *OllamaProvider) AutopilotClassify(ctx context.Context, m *types.Message, instructions string) (*types.Decision, error) {
	prompt := fmt.Sprintf("%s\n\n## USER'S EMAIL HANDLING INSTRUCTIONS:\n%s\n\n## EMAIL TO PROCESS:\n%s\n\nRespond with only a JSON object.",
		autopilotSystemPrompt, instructions, emailBlock(m, 3000))
	text, err := p.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return ParseDecision(text)
}

// GenerateReply drafts a reply following the given template.
func (p *OllamaProvider) GenerateReply(ctx context.Context, m *types.Message, template string) (string, error) {
	prompt := fmt.Sprintf("Draft an email reply. Write only the reply body.\n\nReply instructions/template:\n%s\n\nEmail to reply to:\n%s",
		template, emailBlock(m, 2000))
	return p.generateText(ctx, prompt)
}

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Format  string         `json:"format,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// generate asks for a JSON-constrained completion.
func (p *OllamaProvider) generate(ctx context.Context, prompt string) (string, error) {
	return p.call(ctx, ollamaRequest{
		Model:   p.model,
		Prompt:  prompt,
		Format:  "json",
		Stream:  false,
		Options: map[string]any{"temperature": 0.3},
	})
}

// generateText asks for a free-form completion.
func (p *OllamaProvider) generateText(ctx context.Context, prompt string) (string, error) {
	return p.call(ctx, ollamaRequest{
		Model:   p.model,
		Prompt:  prompt,
		Stream:  false,
		Options: map[string]any{"temperature": 0.7},
	})
}

func (p *OllamaProvider) call(ctx context.Context, reqBody ollamaRequest) (string, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling Ollama: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("Ollama error (%d): %s", resp.StatusCode, string(respBody))
	}

	var result ollamaResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if strings.TrimSpace(result.Response) == "" {
		return "", fmt.Errorf("empty response from Ollama")
	}
	return result.Response, nil
}

var _ Provider = (*OllamaProvider)(nil)
