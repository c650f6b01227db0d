package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/entrhq/browserd/pkg/types"
)

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// DecisionError is returned when no usable decision could be obtained from
// the navigator.
type DecisionError struct {
	Attempts int
	Err      error
}

func (e *DecisionError) Error() string {
	return fmt.Sprintf("no valid decision after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *DecisionError) Unwrap() error {
	return e.Err
}

// errInvalidDecision marks replies that arrived but did not match the schema.
var errInvalidDecision = errors.New("invalid decision")

// wireDecision mirrors types.Decision so a missing confidence can be told
// apart from zero.
type wireDecision struct {
	Thought    string           `json:"thought"`
	Action     types.ActionKind `json:"action"`
	Target     string           `json:"target"`
	Value      string           `json:"value"`
	Confidence *float64         `json:"confidence"`
}

// parseDecision decodes a navigator reply. A markdown code fence around the
// object is tolerated; anything else around it is not.
func parseDecision(reply string) (*types.Decision, error) {
	body := strings.TrimSpace(reply)
	if strings.Contains(body, "```") {
		if m := fencedJSON.FindStringSubmatch(body); m != nil {
			body = strings.TrimSpace(m[1])
		}
	}
	if body == "" {
		return nil, fmt.Errorf("%w: empty reply", errInvalidDecision)
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.DisallowUnknownFields()

	var w wireDecision
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidDecision, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after object", errInvalidDecision)
	}
	if w.Confidence == nil {
		return nil, fmt.Errorf("%w: confidence is required", errInvalidDecision)
	}

	d := types.Decision{
		Thought:    w.Thought,
		Action:     w.Action,
		Target:     w.Target,
		Value:      w.Value,
		Confidence: *w.Confidence,
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidDecision, err)
	}
	return &d, nil
}

// fallbackDecision hands control to a human when no decision could be made.
func fallbackDecision(err error) *types.Decision {
	return &types.Decision{
		Thought:    "Error getting action: " + err.Error(),
		Action:     types.ActionNeedHuman,
		Confidence: 0,
	}
}
