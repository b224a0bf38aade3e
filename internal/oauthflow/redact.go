package oauthflow

import "fmt"

// redactToken summarizes a secret for logging without ever exposing it
// (spec.md §4.5, "tokens are never logged even at debug level (only
// redacted summaries: length and last 4 chars)").
func redactToken(tok string) string {
	if tok == "" {
		return "len=0"
	}
	last := tok
	if len(tok) > 4 {
		last = tok[len(tok)-4:]
	}
	return fmt.Sprintf("len=%d last4=%s", len(tok), last)
}
