// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/beamlens/beamlens/agent"
)

// IntentKey is the discriminator field every tool-selection response must
// carry. The parser keys off it exclusively; it never infers the variant
// from which other fields happen to be present.
const IntentKey = "intent"

// Intent is one decoded tagged tool selection.
type Intent struct {
	// Name is the discriminator value, e.g. "take_snapshot" or "done".
	Name string

	// Args holds every other top-level field of the response object.
	Args map[string]any
}

// String returns a string argument, or "" when absent or mistyped.
func (in Intent) String(key string) string {
	s, _ := in.Args[key].(string)
	return s
}

// Int returns an integer argument. JSON numbers decode as float64.
func (in Intent) Int(key string) (int, bool) {
	switch v := in.Args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// Bool returns a boolean argument, or false when absent or mistyped.
func (in Intent) Bool(key string) bool {
	b, _ := in.Args[key].(bool)
	return b
}

// StringSlice returns a []string argument, skipping non-string elements.
func (in Intent) StringSlice(key string) []string {
	raw, ok := in.Args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Map returns an object argument, or nil when absent or mistyped.
func (in Intent) Map(key string) map[string]any {
	m, _ := in.Args[key].(map[string]any)
	return m
}

// ExtractJSON pulls the first complete JSON object out of an LLM
// response.
//
// Description:
//
//	Models wrap JSON in markdown fences, preambles ("Here is my
//	analysis:"), and postambles, regardless of prompting. This scans for
//	the first '{' and walks a brace-balanced span, honoring string
//	literals and escapes, then validates the span with the encoding/json
//	parser. Only the first object is taken when several appear.
//
// Outputs:
//
//	[]byte - The raw JSON object.
//	error - When no complete, valid object is found.
func ExtractJSON(raw string) ([]byte, error) {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return nil, fmt.Errorf("no JSON object in response")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				candidate := raw[start : i+1]
				if !json.Valid([]byte(candidate)) {
					return nil, fmt.Errorf("extracted span is not valid JSON")
				}
				return []byte(candidate), nil
			}
		}
	}
	return nil, fmt.Errorf("unbalanced JSON object in response")
}

// DecodeIntent parses an LLM response into a tagged intent, failing
// closed.
//
// Description:
//
//	The response must contain a JSON object with an "intent" string field
//	whose value is one of allowed. A missing or mistyped discriminator is
//	an EncodingError; a well-formed but unknown discriminator is an
//	UnknownToolError. All remaining top-level fields become Args.
//
// Inputs:
//
//	raw - The full LLM response text.
//	allowed - The closed set of intent names for this loop.
func DecodeIntent(raw string, allowed []string) (Intent, error) {
	payload, err := ExtractJSON(raw)
	if err != nil {
		return Intent{}, &agent.EncodingError{Tool: IntentKey, Reason: err.Error()}
	}

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Intent{}, &agent.EncodingError{Tool: IntentKey, Reason: err.Error()}
	}

	name, ok := fields[IntentKey].(string)
	if !ok || name == "" {
		return Intent{}, &agent.EncodingError{Tool: IntentKey, Reason: "missing intent discriminator"}
	}

	found := false
	for _, a := range allowed {
		if a == name {
			found = true
			break
		}
	}
	if !found {
		return Intent{}, &agent.UnknownToolError{Name: name}
	}

	delete(fields, IntentKey)
	return Intent{Name: name, Args: fields}, nil
}
