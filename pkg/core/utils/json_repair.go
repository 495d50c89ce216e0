package utils

import (
	"encoding/json"
	"fmt"

	jsonrepair "github.com/RealAlexandreAI/json-repair"
	hjson "github.com/hjson/hjson-go/v4"
)

// RepairJSON attempts to fix common JSON errors in LLM outputs: missing or
// single quotes, unclosed brackets, trailing commas, comments, stray markdown
// fences.
func RepairJSON(malformed string) (string, error) {
	repaired, err := jsonrepair.RepairJSON(malformed)
	if err != nil {
		return "", fmt.Errorf("json repair failed: %w", err)
	}
	return repaired, nil
}

// ParseHJSON parses Human-friendly JSON (comments, unquoted keys, optional
// commas) and returns standard JSON. The most lenient strategy in the ladder.
func ParseHJSON(input string) (string, error) {
	var result interface{}
	if err := hjson.Unmarshal([]byte(input), &result); err != nil {
		return "", fmt.Errorf("hjson parse failed: %w", err)
	}
	out, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("hjson remarshal failed: %w", err)
	}
	return string(out), nil
}

// SmartParse tries strategies in order of strictness — standard JSON, then
// repair, then Hjson — decoding into schema on the first success. Returns the
// JSON text that decoded cleanly.
func SmartParse(input string, schema interface{}) (string, error) {
	if err := json.Unmarshal([]byte(input), schema); err == nil {
		return input, nil
	}
	if repaired, err := RepairJSON(input); err == nil {
		if err := json.Unmarshal([]byte(repaired), schema); err == nil {
			return repaired, nil
		}
	}
	if hj, err := ParseHJSON(input); err == nil {
		if err := json.Unmarshal([]byte(hj), schema); err == nil {
			return hj, nil
		}
	}
	return "", fmt.Errorf("all parsing strategies failed")
}
