package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Actions the model may choose.
const (
	ActionRespond = "respond"
	ActionUseTool = "use_tool"
)

var (
	errNoJSON        = errors.New("no JSON object in completion")
	errUnknownAction = errors.New("unknown action")
)

// jsonObject matches the first brace-delimited span, non-greedy.
var jsonObject = regexp.MustCompile(`(?s)\{.*?\}`)

// Action is the decision the model returned for one step.
type Action struct {
	Thought   string `json:"thought,omitempty"`
	Action    string `json:"action"`
	ToolName  string `json:"tool_name,omitempty"`
	ToolInput string `json:"tool_input,omitempty"`
	Response  string `json:"response,omitempty"`
	// HasResponse distinguishes a missing "response" key from an empty
	// one.
	HasResponse bool `json:"-"`
}

// wireAction accepts values of any JSON type; small models often emit
// numbers or objects where a string was asked for.
type wireAction struct {
	Thought   looseString `json:"thought"`
	Action    looseString `json:"action"`
	ToolName  looseString `json:"tool_name"`
	ToolInput looseString `json:"tool_input"`
	Response  looseString `json:"response"`
}

type looseString struct {
	value string
	set   bool
}

func (s *looseString) UnmarshalJSON(data []byte) error {
	s.set = true
	if bytes.Equal(data, []byte("null")) {
		s.set = false
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		s.value = str
		return nil
	}
	s.value = string(data)
	return nil
}

// ParseAction extracts and decodes the first JSON object in a model
// completion. The lazy pattern handles the common case; when it cuts
// an object short (a brace inside a string or a nested object) a
// brace-balanced scan is tried instead.
func ParseAction(completion string) (*Action, error) {
	var candidates []string
	if m := jsonObject.FindString(completion); m != "" {
		candidates = append(candidates, m)
	}
	if b := balancedObject(completion); b != "" && (len(candidates) == 0 || b != candidates[0]) {
		candidates = append(candidates, b)
	}
	if len(candidates) == 0 {
		return nil, errNoJSON
	}

	var decodeErr error
	for _, c := range candidates {
		var w wireAction
		if err := json.Unmarshal([]byte(c), &w); err != nil {
			decodeErr = err
			continue
		}
		return w.action()
	}
	return nil, fmt.Errorf("decode action: %w", decodeErr)
}

func (w *wireAction) action() (*Action, error) {
	a := &Action{
		Thought:     strings.TrimSpace(w.Thought.value),
		Action:      strings.ToLower(strings.TrimSpace(w.Action.value)),
		ToolName:    strings.TrimSpace(w.ToolName.value),
		ToolInput:   w.ToolInput.value,
		Response:    w.Response.value,
		HasResponse: w.Response.set,
	}
	switch a.Action {
	case ActionRespond, ActionUseTool:
		return a, nil
	default:
		return nil, fmt.Errorf("%w %q", errUnknownAction, a.Action)
	}
}

// balancedObject returns the first complete {...} span, honoring
// string literals and escapes, or "" if none closes.
func balancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
