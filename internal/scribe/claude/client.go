// Package claude implements scribe.Summarizer against the Claude API.
package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aegisops/aegis/internal/scribe"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	defaultModel   = "claude-sonnet-4-20250514"
	apiVersion     = "2023-06-01"
)

// Config holds Claude client configuration.
type Config struct {
	APIKey      string
	Model       string
	BaseURL     string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Client calls the Claude messages API.
type Client struct {
	config     Config
	httpClient *http.Client
}

// New creates a new Claude API client.
func New(config Config) *Client {
	if config.Model == "" {
		config.Model = defaultModel
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 2048
	}
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature,omitempty"`
	Messages    []message `json:"messages"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type response struct {
	ID         string         `json:"id"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      usage          `json:"usage"`
}

// Summarize generates one report.
func (c *Client) Summarize(ctx context.Context, kind scribe.PromptKind, incidentContext string) (*scribe.Summary, error) {
	prompt := buildPrompt(kind, incidentContext)

	body, err := json.Marshal(request{
		Model:       c.config.Model,
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
		Messages:    []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.config.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("claude api error %d: %s", resp.StatusCode, string(respBody))
	}

	var out response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(out.Content) == 0 {
		return nil, fmt.Errorf("claude api returned empty content")
	}

	return &scribe.Summary{
		Text:             out.Content[0].Text,
		ModelID:          c.config.Model,
		PromptTokens:     out.Usage.InputTokens,
		CompletionTokens: out.Usage.OutputTokens,
	}, nil
}

func buildPrompt(kind scribe.PromptKind, context string) string {
	switch kind {
	case scribe.KindPostMortem:
		return fmt.Sprintf(`You are an AI assistant helping create a post-mortem report. Please analyze the complete incident timeline and generate a structured post-mortem.

Incident Information:
%s

Please create a post-mortem report with these sections:

## Executive Summary
(2-3 sentences summarizing the incident and impact)

## Timeline
(Key events in chronological order)

## Root Cause Analysis
(What caused the incident)

## Impact
(Who/what was affected and how)

## What Went Well
(Positive aspects of the incident response)

## What Could Be Improved
(Areas for improvement)

## Action Items
(Specific follow-up tasks with priorities)

Be specific and actionable in your recommendations.`, context)

	case scribe.KindTimelineSummary:
		return fmt.Sprintf(`You are an AI assistant helping with incident management. Please summarize the following incident timeline, highlighting the key events and decision points.

Incident Context:
%s

Keep the summary chronological and concise.`, context)

	default:
		return fmt.Sprintf(`You are an AI assistant helping with incident management. Please analyze the following incident information and timeline events, then provide a concise summary.

Incident Context:
%s

Please provide:
1. A brief summary of what happened (2-3 sentences)
2. Key findings or observations
3. Current status and any immediate actions needed

Keep your response concise and actionable, focusing on the most important information for incident responders.`, context)
	}
}
