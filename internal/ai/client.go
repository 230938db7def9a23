// Package ai calls an OpenAI-compatible chat-completions endpoint to generate
// assistant replies and room summaries.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/parley/parley/internal/config"
)

// Fixed texts used when generation fails. The room transcript must stay
// consistent with "assistant responded, even if degraded".
const (
	FallbackReply   = "Sorry, I encountered an error processing your request. Please try again."
	FallbackSummary = "Unable to generate summary at this time."
)

const replySystemPrompt = `You are a helpful AI assistant in a multi-user chat room.

Guidelines:
- Be helpful, friendly, and engaging
- Keep responses concise but informative
- Address users by their names when mentioned
- Be aware you're in a group chat with multiple participants
- Don't repeat information unnecessarily
- If someone asks a question, provide a clear answer`

const summarySystemPrompt = `You are an AI assistant tasked with creating a brief summary of a chat room conversation.
Create a concise summary (2-3 sentences) of the main topics discussed.`

// Turn is one transcript-window entry, already role-mapped.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SummaryLine is one attributed line of a conversation to summarize.
type SummaryLine struct {
	Username string
	Content  string
}

var ErrEmptyCompletion = errors.New("empty completion")

type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

func NewClient(cfg config.OpenAI) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
	}
}

// Reply generates an assistant reply for the given transcript window.
func (c *Client) Reply(ctx context.Context, window []Turn) (string, error) {
	msgs := make([]Turn, 0, len(window)+1)
	msgs = append(msgs, Turn{Role: "system", Content: replySystemPrompt})
	msgs = append(msgs, window...)
	return c.complete(ctx, msgs, 500, 0.7)
}

// Summarize produces a short natural-language summary of the conversation.
func (c *Client) Summarize(ctx context.Context, lines []SummaryLine) (string, error) {
	var sb strings.Builder
	sb.WriteString("Please summarize this conversation:\n\n")
	for _, l := range lines {
		sb.WriteString(l.Username)
		sb.WriteString(": ")
		sb.WriteString(l.Content)
		sb.WriteString("\n")
	}
	msgs := []Turn{
		{Role: "system", Content: summarySystemPrompt},
		{Role: "user", Content: sb.String()},
	}
	return c.complete(ctx, msgs, 150, 0.3)
}

type completionRequest struct {
	Model       string  `json:"model"`
	Messages    []Turn  `json:"messages"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) complete(ctx context.Context, msgs []Turn, maxTokens int, temperature float64) (string, error) {
	body, err := json.Marshal(completionRequest{
		Model:       c.model,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion call: %w", err)
	}
	defer resp.Body.Close()

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != nil {
			return "", fmt.Errorf("completion failed: %s", out.Error.Message)
		}
		return "", fmt.Errorf("completion failed: status %d", resp.StatusCode)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return "", ErrEmptyCompletion
	}
	return out.Choices[0].Message.Content, nil
}
