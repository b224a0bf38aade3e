package diagnostics

import (
	"encoding/json"
	"strings"
)

// globalRedactPatterns are key substrings that always trigger redaction
// before a call's params are persisted.
var globalRedactPatterns = []string{
	"token",
	"key",
	"secret",
	"password",
	"authorization",
	"cookie",
	"credential",
}

const redactedValue = "[REDACTED]"

// redact replaces sensitive values in a JSON params object with [REDACTED].
// Non-object params and malformed JSON pass through unchanged.
func redact(params json.RawMessage) json.RawMessage {
	if len(params) == 0 {
		return params
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(params, &obj); err != nil {
		return params
	}

	changed := false
	for key, val := range obj {
		if shouldRedact(key) {
			raw, _ := json.Marshal(redactedValue)
			obj[key] = raw
			changed = true
			continue
		}
		if sub := redact(val); !jsonEqual(val, sub) {
			obj[key] = sub
			changed = true
		}
	}

	if !changed {
		return params
	}

	result, err := json.Marshal(obj)
	if err != nil {
		return params
	}
	return result
}

func shouldRedact(key string) bool {
	lower := strings.ToLower(key)
	for _, pattern := range globalRedactPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func jsonEqual(a, b json.RawMessage) bool {
	return string(a) == string(b)
}
