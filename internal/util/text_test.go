package util

import "testing"

func TestStripThinkTags(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "single think block",
			input:    "<think>Compare the expert notes first</think>Operator is well rated.",
			expected: "Operator is well rated.",
		},
		{
			name:     "thinking variant",
			input:    "<thinking>step one</thinking>\n\nSummary text",
			expected: "Summary text",
		},
		{
			name:     "chinese tags",
			input:    "<思考>让我想想</思考>Summary",
			expected: "Summary",
		},
		{
			name:     "no tags",
			input:    "  Plain summary  ",
			expected: "Plain summary",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripThinkTags(tt.input); got != tt.expected {
				t.Errorf("StripThinkTags() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		input  string
		maxLen int
		want   string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is longer", 4, "this..."},
		{"héllo wörld", 5, "héllo..."},
	}

	for _, tt := range tests {
		if got := TruncateString(tt.input, tt.maxLen); got != tt.want {
			t.Errorf("TruncateString(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
		}
	}
}

func TestPreview(t *testing.T) {
	got := Preview("line one\n\n  line   two", 50)
	if got != "line one line two" {
		t.Errorf("Preview() = %q", got)
	}
}
