package evaluator

import (
	"context"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/micros-ai/micros/internal/db"
	"github.com/micros-ai/micros/internal/quota"
)

type fakeMessages struct {
	text string
}

func (f fakeMessages) New(_ context.Context, _ anthropic.MessageNewParams) (*anthropic.Message, error) {
	return &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{{Type: "text", Text: f.text}},
		Usage:   anthropic.Usage{InputTokens: 120, OutputTokens: 35},
	}, nil
}

func fakeEvaluator(text string) *Evaluator {
	return &Evaluator{newClient: func(string) messagesClient { return fakeMessages{text: text} }}
}

func TestEvaluateReadyVerdict(t *testing.T) {
	e := fakeEvaluator(`{"should_evaluate": true, "reason": "clear bug report", "categories": ["bug"]}`)

	got, err := e.Evaluate(context.Background(), quota.ProviderConfig{APIKey: "k"}, "fix login", "steps to reproduce...")
	require.NoError(t, err)
	assert.Equal(t, db.VerdictReady, got.Verdict)
	assert.True(t, got.ShouldEvaluate)
	assert.Equal(t, "clear bug report", got.Reason)
	assert.Equal(t, []string{"bug"}, got.Categories)
	assert.Equal(t, int64(120), got.InputTokens)
	assert.Equal(t, int64(35), got.OutputTokens)
}

func TestEvaluateRejection(t *testing.T) {
	e := fakeEvaluator(`{"should_evaluate": false, "reason": "no acceptance criteria"}`)

	got, err := e.Evaluate(context.Background(), quota.ProviderConfig{APIKey: "k"}, "make it better", "")
	require.NoError(t, err)
	assert.Equal(t, db.VerdictNeedsClarification, got.Verdict)
	assert.False(t, got.ShouldEvaluate)
}

func TestEvaluateToleratesProseAroundJSON(t *testing.T) {
	e := fakeEvaluator("Here is my assessment:\n\n" +
		`{"should_evaluate": true, "reason": "ok"}` + "\n\nLet me know if you need more.")

	got, err := e.Evaluate(context.Background(), quota.ProviderConfig{APIKey: "k"}, "t", "d")
	require.NoError(t, err)
	assert.Equal(t, db.VerdictReady, got.Verdict)
}

func TestEvaluateMalformedResponseDegrades(t *testing.T) {
	for _, text := range []string{
		"I cannot answer that.",
		`{"verdict": "yes"}`,
		`{"should_evaluate": "yes"}`,
		"",
	} {
		e := fakeEvaluator(text)
		got, err := e.Evaluate(context.Background(), quota.ProviderConfig{APIKey: "k"}, "t", "d")
		require.NoError(t, err, text)
		assert.Equal(t, db.VerdictNeedsClarification, got.Verdict, text)
		assert.False(t, got.ShouldEvaluate, text)
		assert.NotEmpty(t, got.Reason, text)
	}
}
