package agent

import (
	"fmt"
	"strings"

	"github.com/entrhq/browserd/pkg/browser"
	"github.com/entrhq/browserd/pkg/llm/tokenizer"
)

const decisionFormat = `Based on the task and current page state, decide the next action.
Output valid JSON only, in this shape:
{"thought": "<why>", "action": "click|type|scroll|navigate|wait|done|need_human", "target": "<selector or visible text>", "value": "<text, url, up/down or milliseconds>", "confidence": <0.0-1.0>}`

// promptBuilder renders the navigator prompt for one decision round.
type promptBuilder struct {
	tok    *tokenizer.Tokenizer
	budget int
}

func newPromptBuilder(tok *tokenizer.Tokenizer, budget int) *promptBuilder {
	return &promptBuilder{tok: tok, budget: budget}
}

// Build lists as many elements as fit in the token budget. The header and
// the response format are always included.
func (pb *promptBuilder) Build(task string, step int, info *browser.PageInfo) string {
	if info == nil {
		info = &browser.PageInfo{}
	}

	var header strings.Builder
	fmt.Fprintf(&header, "TASK: %s\n\n", task)
	fmt.Fprintf(&header, "CURRENT STEP: %d\n", step)
	fmt.Fprintf(&header, "PAGE URL: %s\n", info.URL)
	fmt.Fprintf(&header, "PAGE TITLE: %s\n\n", info.Title)
	header.WriteString("VISIBLE ELEMENTS:\n")

	footer := "\n" + decisionFormat

	remaining := pb.budget - pb.tok.CountTokens(header.String()) - pb.tok.CountTokens(footer)

	var elements strings.Builder
	listed := 0
	for _, el := range info.Elements {
		line := formatElement(el) + "\n"
		cost := pb.tok.CountTokens(line)
		if pb.budget > 0 && cost > remaining {
			break
		}
		remaining -= cost
		elements.WriteString(line)
		listed++
	}

	switch {
	case len(info.Elements) == 0:
		elements.WriteString("No elements detected\n")
	case listed < len(info.Elements):
		fmt.Fprintf(&elements, "... %d more elements omitted\n", len(info.Elements)-listed)
	}

	return header.String() + elements.String() + footer
}

// formatElement renders one element as a single line the navigator can
// refer back to by text or selector.
func formatElement(el browser.Element) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s", el.Index, el.Tag)
	if el.Type != "" {
		fmt.Fprintf(&b, " type=%s", el.Type)
	}
	if el.Name != "" {
		fmt.Fprintf(&b, " name=%s", el.Name)
	}
	if el.Text != "" {
		fmt.Fprintf(&b, " %q", el.Text)
	}
	if el.AriaLabel != "" && el.AriaLabel != el.Text {
		fmt.Fprintf(&b, " aria-label=%q", el.AriaLabel)
	}
	if el.Placeholder != "" {
		fmt.Fprintf(&b, " placeholder=%q", el.Placeholder)
	}
	if el.Href != "" {
		fmt.Fprintf(&b, " -> %s", el.Href)
	}
	return b.String()
}
