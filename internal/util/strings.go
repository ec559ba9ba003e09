// Package util holds small helpers shared by the CLI and the config parser.
// It imports nothing from internal/.
package util

import "strings"

// DefaultString returns fallback when v is empty or only whitespace.
func DefaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// EmptyDash renders a blank table cell as "-".
func EmptyDash(s string) string {
	return DefaultString(s, "-")
}
