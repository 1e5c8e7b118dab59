package generator

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"codevolve/internal/logging"
)

// CodeGenClient is the external code-generation service. Implementations must
// be safe for sequential reuse across retries; the generator never calls
// Complete concurrently.
type CodeGenClient interface {
	// Complete returns generated code text for the prompt, at the given
	// sampling temperature.
	Complete(ctx context.Context, prompt string, temperature float64) (string, error)
}

// GenAIClient generates code through Google's Gemini API.
type GenAIClient struct {
	client *genai.Client
	model  string
}

// NewGenAIClient creates a Gemini-backed code generation client.
func NewGenAIClient(ctx context.Context, apiKey, model string) (*GenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-3-flash-preview"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIClient{client: client, model: model}, nil
}

const systemInstruction = `You are a Go code improvement engine. You receive a Go source file,
one improvement opportunity, and constraints. Respond with ONLY the Go code
implementing the improvement: no prose, no markdown fences, no explanations.
The code must be syntactically valid Go.`

// Complete sends the prompt and returns the model's code text.
func (c *GenAIClient) Complete(ctx context.Context, prompt string, temperature float64) (string, error) {
	temp := float32(temperature)
	config := &genai.GenerateContentConfig{
		Temperature:       &temp,
		SystemInstruction: genai.NewContentFromText(systemInstruction, genai.RoleUser),
	}

	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return "", fmt.Errorf("GenAI completion failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("GenAI returned an empty response")
	}
	logging.GenerationDebug("GenAI completion: %d bytes at temperature %.2f", len(text), temperature)
	return stripCodeFences(text), nil
}

// stripCodeFences removes markdown code fences the model sometimes adds
// despite instructions.
func stripCodeFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	lines := strings.Split(trimmed, "\n")
	var out []string
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
