package util

import (
	"regexp"
	"strings"
)

// Reasoning models wrap their chain of thought in one of these tag pairs
var (
	thinkTagRegex        = regexp.MustCompile(`(?i)<think(?:ing)?>([\s\S]*?)</think(?:ing)?>`)
	chineseThinkTagRegex = regexp.MustCompile(`(?i)<思考>([\s\S]*?)</思考>`)
)

// StripThinkTags removes reasoning blocks so only the final answer is curated
func StripThinkTags(response string) string {
	result := thinkTagRegex.ReplaceAllString(response, "")
	result = chineseThinkTagRegex.ReplaceAllString(result, "")
	return strings.TrimSpace(result)
}

// TruncateString truncates a string to maxLen runes (Unicode-safe)
func TruncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

// Preview collapses whitespace and truncates text for single-line display
func Preview(s string, maxLen int) string {
	return TruncateString(strings.Join(strings.Fields(s), " "), maxLen)
}
