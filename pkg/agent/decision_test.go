package agent

import (
	"errors"
	"strings"
	"testing"

	"github.com/entrhq/browserd/pkg/browser"
	"github.com/entrhq/browserd/pkg/llm/tokenizer"
	"github.com/entrhq/browserd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    *types.Decision
		wantErr bool
	}{
		{
			name:  "plain object",
			reply: `{"thought":"open it","action":"click","target":"#go","confidence":0.8}`,
			want:  &types.Decision{Thought: "open it", Action: types.ActionClick, Target: "#go", Confidence: 0.8},
		},
		{
			name:  "fenced with language",
			reply: "Sure!\n```json\n{\"thought\":\"done\",\"action\":\"done\",\"confidence\":1}\n```",
			want:  &types.Decision{Thought: "done", Action: types.ActionDone, Confidence: 1},
		},
		{
			name:  "fenced without language",
			reply: "```\n{\"thought\":\"w\",\"action\":\"wait\",\"value\":\"100\",\"confidence\":0.9}\n```",
			want:  &types.Decision{Thought: "w", Action: types.ActionWait, Value: "100", Confidence: 0.9},
		},
		{name: "empty", reply: "   ", wantErr: true},
		{name: "prose", reply: "click the blue button", wantErr: true},
		{name: "missing confidence", reply: `{"thought":"x","action":"done"}`, wantErr: true},
		{name: "missing thought", reply: `{"action":"done","confidence":1}`, wantErr: true},
		{name: "unknown action", reply: `{"thought":"x","action":"hover","confidence":1}`, wantErr: true},
		{name: "unknown field", reply: `{"thought":"x","action":"done","confidence":1,"mood":"good"}`, wantErr: true},
		{name: "trailing object", reply: `{"thought":"x","action":"done","confidence":1}{}`, wantErr: true},
		{name: "click without target", reply: `{"thought":"x","action":"click","confidence":1}`, wantErr: true},
		{name: "confidence out of range", reply: `{"thought":"x","action":"done","confidence":7}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDecision(tt.reply)
			if tt.wantErr {
				assert.True(t, errors.Is(err, errInvalidDecision), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFallbackDecision(t *testing.T) {
	d := fallbackDecision(errors.New("timeout"))
	assert.Equal(t, types.ActionNeedHuman, d.Action)
	assert.Zero(t, d.Confidence)
	assert.Equal(t, "Error getting action: timeout", d.Thought)
	assert.True(t, d.NeedsHuman(DefaultConfidenceThreshold))
}

func TestPromptBuilder(t *testing.T) {
	pb := newPromptBuilder(tokenizer.NewEstimator(), 3000)

	prompt := pb.Build("find socks", 3, &browser.PageInfo{
		URL:   "https://shop.example/",
		Title: "Shop",
		Elements: []browser.Element{
			{Index: 0, Tag: "a", Text: "Deals", Href: "https://shop.example/deals"},
			{Index: 1, Tag: "input", Type: "search", Name: "q", Placeholder: "Search"},
		},
	})

	assert.Contains(t, prompt, "TASK: find socks")
	assert.Contains(t, prompt, "CURRENT STEP: 3")
	assert.Contains(t, prompt, "PAGE URL: https://shop.example/")
	assert.Contains(t, prompt, "PAGE TITLE: Shop")
	assert.Contains(t, prompt, `[0] a "Deals" -> https://shop.example/deals`)
	assert.Contains(t, prompt, `[1] input type=search name=q placeholder="Search"`)
	assert.Contains(t, prompt, "Output valid JSON only")
}

func TestPromptBuilder_NoElements(t *testing.T) {
	pb := newPromptBuilder(tokenizer.NewEstimator(), 3000)
	assert.Contains(t, pb.Build("t", 1, nil), "No elements detected")
}

func TestPromptBuilder_Budget(t *testing.T) {
	tok := tokenizer.NewEstimator()
	pb := newPromptBuilder(tok, 250)

	elements := make([]browser.Element, 100)
	for i := range elements {
		elements[i] = browser.Element{Index: i, Tag: "button", Text: strings.Repeat("x", 40)}
	}
	prompt := pb.Build("t", 1, &browser.PageInfo{Elements: elements})

	assert.Contains(t, prompt, "more elements omitted")
	assert.Contains(t, prompt, "Output valid JSON only")
	assert.NotContains(t, prompt, "[99]")
	// The omission notice is the only thing allowed past the budget.
	assert.LessOrEqual(t, tok.CountTokens(prompt), 250+10)
}
