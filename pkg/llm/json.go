package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON pulls a JSON object out of an LLM response. Models wrap
// objects in ```json fences or pad them with prose; this tolerates a
// fenced block, a bare object, or an object embedded in surrounding
// text, and validates the result parses.
func ExtractJSON(content string) ([]byte, error) {
	s := strings.TrimSpace(content)

	if fenced, ok := extractFence(s); ok {
		s = fenced
	}

	// Trim to the outermost object.
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}
	candidate := s[start : end+1]

	if !json.Valid([]byte(candidate)) {
		return nil, fmt.Errorf("response JSON does not parse")
	}
	return []byte(candidate), nil
}

func extractFence(s string) (string, bool) {
	open := strings.Index(s, "```")
	if open < 0 {
		return "", false
	}
	rest := s[open+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Drop the language tag ("json") on the fence line.
		rest = rest[nl+1:]
	}
	closing := strings.Index(rest, "```")
	if closing < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:closing]), true
}

// DecodeInto extracts and unmarshals the JSON object in content.
func DecodeInto(content string, out any) error {
	raw, err := ExtractJSON(content)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
