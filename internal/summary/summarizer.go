// Package summary turns a finished transcript into a title and summary.
package summary

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/lexiqai/session-recorder/internal/config"
	"github.com/lexiqai/session-recorder/internal/observability"
)

// Canned result for transcripts with nothing worth summarizing
const (
	UntitledTitle = "Untitled"
	ShortSummary  = "Transcript too short or not meaningful enough to summarize."
)

const systemPrompt = "You are a helpful assistant for summarizing meeting transcripts."

const userPrompt = `Analyze the following transcript.

If it is too short, uninformative, or only filler, reply exactly:
Title: Untitled
Summary: Transcript too short or not meaningful enough to summarize.

Otherwise reply with a short descriptive title on the first line, followed
by a useful summary with sections such as Summary, To-Do List, or Action
Items where relevant.

Transcript:
%s`

// Summarizer produces a title and summary for a transcript
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (title, summary string, err error)
}

// OpenAISummarizer summarizes through an OpenAI-compatible chat completions API
type OpenAISummarizer struct {
	client   *openai.Client
	model    string
	minChars int
	logger   zerolog.Logger
}

// NewOpenAISummarizer creates a summarizer from configuration
func NewOpenAISummarizer(cfg *config.Config) *OpenAISummarizer {
	clientConfig := openai.DefaultConfig(cfg.OpenAIAPIKey)
	clientConfig.BaseURL = cfg.OpenAIBaseURL
	clientConfig.HTTPClient = &http.Client{Timeout: cfg.RemoteTimeout}

	return NewOpenAISummarizerWithClient(openai.NewClientWithConfig(clientConfig), cfg.SummaryModel, cfg.SummaryMinChars)
}

// NewOpenAISummarizerWithClient creates a summarizer around an existing client
func NewOpenAISummarizerWithClient(client *openai.Client, model string, minChars int) *OpenAISummarizer {
	return &OpenAISummarizer{
		client:   client,
		model:    model,
		minChars: minChars,
		logger:   observability.Component("summary"),
	}
}

// Summarize returns the canned pair without a remote call when the
// transcript is shorter than the configured minimum. A failed call also
// yields the canned pair, together with the error.
func (s *OpenAISummarizer) Summarize(ctx context.Context, transcript string) (string, string, error) {
	transcript = strings.TrimSpace(transcript)
	if len([]rune(transcript)) < s.minChars {
		s.logger.Debug().Int("chars", len(transcript)).Msg("Transcript below summary threshold")
		return UntitledTitle, ShortSummary, nil
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(userPrompt, transcript)},
		},
	})
	if err != nil {
		observability.RecordError("summary_failed", "summary")
		return UntitledTitle, ShortSummary, fmt.Errorf("summarization request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		observability.RecordError("summary_failed", "summary")
		return UntitledTitle, ShortSummary, errors.New("summarization returned no choices")
	}

	title, summary := ParseReply(resp.Choices[0].Message.Content)
	return title, summary, nil
}

// ParseReply splits a model reply into title and summary. The first
// non-empty line is the title; "Title:" and "Summary:" labels are removed.
func ParseReply(content string) (string, string) {
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return UntitledTitle, ShortSummary
	}

	title := trimLabel(lines[0], "Title:")
	title = strings.Trim(title, "#* ")
	if title == "" {
		title = UntitledTitle
	}

	rest := lines[1:]
	if len(rest) > 0 {
		rest[0] = trimLabel(rest[0], "Summary:")
		if rest[0] == "" {
			rest = rest[1:]
		}
	}
	return title, strings.Join(rest, "\n")
}

func trimLabel(line, label string) string {
	if len(line) >= len(label) && strings.EqualFold(line[:len(label)], label) {
		return strings.TrimSpace(line[len(label):])
	}
	return line
}

// Unavailable is used when no summarization service is configured. It
// leaves the title untitled and the summary empty.
type Unavailable struct{}

// Summarize returns the untitled placeholder
func (Unavailable) Summarize(ctx context.Context, transcript string) (string, string, error) {
	return UntitledTitle, "", nil
}
