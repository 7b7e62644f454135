// Package evaluator implements the in-process simple evaluation: one LLM
// call that decides whether an issue is concrete enough to hand to the
// agentic pipeline.
package evaluator

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tidwall/gjson"

	"github.com/micros-ai/micros/internal/db"
	"github.com/micros-ai/micros/internal/quota"
)

const systemPrompt = `You are a triage filter for an automated software engineering pipeline.
Given an issue title and description, decide whether the issue is specific
and self-contained enough for an autonomous coding agent to attempt.

Respond with a single JSON object and nothing else:
{"should_evaluate": <bool>, "reason": "<one sentence>", "categories": ["<category>", ...]}

Answer false when the issue is vague, is a question, lacks acceptance
criteria, or requires decisions only a human can make.`

const defaultModel = "claude-sonnet-4-5"

const maxTokens = 1024

// Result is the outcome of one simple evaluation.
type Result struct {
	Verdict        db.Verdict
	ShouldEvaluate bool
	Reason         string
	Categories     []string
	Raw            string
	InputTokens    int64
	OutputTokens   int64
}

// Evaluator runs simple evaluations against the Anthropic Messages API.
type Evaluator struct {
	// newClient is swapped in tests.
	newClient func(apiKey string) messagesClient
}

type messagesClient interface {
	New(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error)
}

type anthropicMessages struct {
	client anthropic.Client
}

func (a anthropicMessages) New(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	return a.client.Messages.New(ctx, params)
}

// New creates an Evaluator.
func New() *Evaluator {
	return &Evaluator{
		newClient: func(apiKey string) messagesClient {
			return anthropicMessages{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
		},
	}
}

// Evaluate runs the filter call with the given credentials. API failures
// propagate; malformed model output does not — it degrades to a
// needs-clarification verdict so a confused model never wedges a task.
func (e *Evaluator) Evaluate(ctx context.Context, cfg quota.ProviderConfig, title, description string) (*Result, error) {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	client := e.newClient(cfg.APIKey)
	msg, err := client.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(
				fmt.Sprintf("Title: %s\n\nDescription:\n%s", title, description))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("simple evaluation call: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		text.WriteString(block.Text)
	}

	result := parseVerdict(text.String())
	result.InputTokens = msg.Usage.InputTokens
	result.OutputTokens = msg.Usage.OutputTokens
	return result, nil
}

// parseVerdict leniently extracts the verdict JSON from model output.
// Anything unparseable means the model could not commit to a yes, which is
// exactly what needs_clarification expresses.
func parseVerdict(raw string) *Result {
	result := &Result{
		Verdict: db.VerdictNeedsClarification,
		Raw:     raw,
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		result.Reason = "model response contained no verdict object"
		return result
	}

	doc := raw[start : end+1]
	should := gjson.Get(doc, "should_evaluate")
	if should.Type != gjson.True && should.Type != gjson.False {
		result.Reason = "model response missing should_evaluate"
		return result
	}

	result.ShouldEvaluate = should.Bool()
	result.Reason = gjson.Get(doc, "reason").String()
	for _, c := range gjson.Get(doc, "categories").Array() {
		result.Categories = append(result.Categories, c.String())
	}
	if result.ShouldEvaluate {
		result.Verdict = db.VerdictReady
	}
	return result
}
