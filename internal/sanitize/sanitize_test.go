package sanitize

import (
	"strings"
	"testing"
	"time"
)

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		want     string
		wantLike string // for timestamp-based fallback results
	}{
		{name: "simple alphanumeric", input: "NL43Unit7", want: "NL43Unit7"},
		{name: "alphanumeric with underscores", input: "Auto_0012", want: "Auto_0012"},
		{name: "mixed case preserved", input: "Unit7East", want: "Unit7East"},

		{name: "spaces to underscores", input: "NL 43 Unit", want: "NL_43_Unit"},
		{name: "hyphens to underscores", input: "Auto-0012-East", want: "Auto_0012_East"},
		{
			name:     "dollar sign is suspicious",
			input:    "Unit@#$%Seven",
			wantLike: "unknown_id_",
		},
		{name: "parentheses replaced", input: "Unit(East)", want: "Unit_East"},
		{name: "brackets replaced", input: "Unit[7]", want: "Unit_7"},

		{name: "multiple spaces", input: "NL   43", want: "NL_43"},
		{name: "mixed separators", input: "NL - 43 - Unit", want: "NL_43_Unit"},

		{name: "leading underscore", input: "_Unit", want: "Unit"},
		{name: "trailing underscore", input: "Unit_", want: "Unit"},
		{name: "leading space", input: " Unit", want: "Unit"},
		{name: "trailing space", input: "Unit ", want: "Unit"},

		{name: "starts with digit", input: "7East", want: "id_7East"},
		{name: "starts with digit after sanitization", input: "!123Unit", want: "id_123Unit"},

		{name: "exactly 64 chars", input: strings.Repeat("a", 64), want: strings.Repeat("a", 64)},
		{name: "over 64 chars truncated", input: strings.Repeat("a", 100), want: strings.Repeat("a", 64)},

		{name: "path traversal attempt", input: "../etc/passwd", wantLike: "unknown_id_"},
		{name: "absolute path", input: "/etc/passwd", wantLike: "unknown_id_"},
		{name: "dollar sign", input: "unit$name", wantLike: "unknown_id_"},
		{name: "starts with hyphen", input: "-unit", wantLike: "unknown_id_"},

		{name: "empty string", input: "", wantLike: "unknown_id_"},
		{name: "whitespace only", input: "   ", wantLike: "unknown_id_"},
		{name: "special chars only", input: "!@#$%", wantLike: "unknown_id_"},

		{name: "four digit store index", input: "0010", want: "id_0010"},
		{name: "Auto folder name", input: "Auto_0010", want: "Auto_0010"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeIdentifier(tt.input)

			if tt.wantLike != "" {
				if !strings.HasPrefix(got, tt.wantLike) {
					t.Errorf("SanitizeIdentifier(%q) = %q, want prefix %q", tt.input, got, tt.wantLike)
				}
				suffix := strings.TrimPrefix(got, tt.wantLike)
				if len(suffix) == 0 {
					t.Errorf("SanitizeIdentifier(%q) = %q, missing timestamp suffix", tt.input, got)
				}
			} else if got != tt.want {
				t.Errorf("SanitizeIdentifier(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSanitizeIdentifierDeterministic(t *testing.T) {
	inputs := []string{"NL 43 Unit", "Auto-0012", "Unit@#$Name", "123Unit"}

	for _, input := range inputs {
		result1 := SanitizeIdentifier(input)
		result2 := SanitizeIdentifier(input)

		if result1 != result2 {
			t.Errorf("SanitizeIdentifier(%q) not deterministic: %q != %q", input, result1, result2)
		}
	}
}

func TestSanitizeIdentifierTimestampFallback(t *testing.T) {
	inputs := []string{"../etc/passwd", "/etc/passwd", "unit$name", "-unit", "", "   "}

	for _, input := range inputs {
		result1 := SanitizeIdentifier(input)
		time.Sleep(1 * time.Millisecond)
		result2 := SanitizeIdentifier(input)

		if !strings.HasPrefix(result1, "unknown_id_") {
			t.Errorf("SanitizeIdentifier(%q) = %q, expected unknown_id_ prefix", input, result1)
		}
		if result1 == result2 {
			t.Logf("WARNING: SanitizeIdentifier(%q) produced identical timestamps: %q", input, result1)
		}
	}
}

func TestSanitizeIdentifierNoPathTraversal(t *testing.T) {
	malicious := []string{
		"../../../etc/passwd",
		"./config",
		"/etc/shadow",
		"unit/../etc",
	}

	for _, input := range malicious {
		result := SanitizeIdentifier(input)

		if strings.Contains(result, "/") {
			t.Errorf("SanitizeIdentifier(%q) = %q, contains path separator", input, result)
		}
		if strings.Contains(result, "..") {
			t.Errorf("SanitizeIdentifier(%q) = %q, contains path traversal", input, result)
		}
	}
}

func TestSanitizeIdentifierMaxLength(t *testing.T) {
	inputs := []string{
		strings.Repeat("a", 100),
		strings.Repeat("ab ", 50),
		strings.Repeat("NL 43 Unit ", 10),
	}

	for _, input := range inputs {
		result := SanitizeIdentifier(input)

		if strings.HasPrefix(result, "unknown_id_") {
			continue
		}
		if len(result) > MaxIdentifierLength {
			t.Errorf("SanitizeIdentifier(%q) = %q (len=%d), exceeds %d chars", input, result, len(result), MaxIdentifierLength)
		}
	}
}

func TestSanitizeIdentifierExcessiveLength(t *testing.T) {
	tests := []struct {
		name     string
		inputLen int
		wantLike string
	}{
		{name: "exactly 1024 chars (at limit)", inputLen: MaxRawInputLength, wantLike: ""},
		{name: "1025 chars (over limit)", inputLen: MaxRawInputLength + 1, wantLike: "unknown_id_"},
		{name: "10000 chars (way over limit)", inputLen: 10000, wantLike: "unknown_id_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := strings.Repeat("a", tt.inputLen)
			got := SanitizeIdentifier(input)

			if tt.wantLike != "" {
				if !strings.HasPrefix(got, tt.wantLike) {
					t.Errorf("SanitizeIdentifier(len=%d) = %q, want prefix %q", tt.inputLen, got, tt.wantLike)
				}
			} else {
				if len(got) > MaxIdentifierLength {
					t.Errorf("SanitizeIdentifier(len=%d) = %q (len=%d), exceeds %d chars", tt.inputLen, got, len(got), MaxIdentifierLength)
				}
				if strings.HasPrefix(got, "unknown_id_") {
					t.Errorf("SanitizeIdentifier(len=%d) = %q, unexpected fallback", tt.inputLen, got)
				}
			}
		})
	}
}

func TestSanitizeIdentifierControlChars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantLike string
	}{
		{name: "null byte", input: "Unit\x00Name", wantLike: "unknown_id_"},
		{name: "bell character", input: "Unit\x07Name", wantLike: "unknown_id_"},
		{name: "backspace", input: "Unit\x08Name", wantLike: "unknown_id_"},
		{name: "escape character", input: "Unit\x1bName", wantLike: "unknown_id_"},
		{name: "DEL character", input: "Unit\x7fName", wantLike: "unknown_id_"},
		{name: "tab is allowed", input: "Unit\tName", wantLike: ""},
		{name: "newline is allowed", input: "Unit\nName", wantLike: ""},
		{name: "carriage return is allowed", input: "Unit\rName", wantLike: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeIdentifier(tt.input)

			if tt.wantLike != "" {
				if !strings.HasPrefix(got, tt.wantLike) {
					t.Errorf("SanitizeIdentifier(%q) = %q, want prefix %q", tt.input, got, tt.wantLike)
				}
				return
			}
			if strings.HasPrefix(got, "unknown_id_") {
				t.Errorf("SanitizeIdentifier(%q) = %q, unexpected fallback", tt.input, got)
			}
			for i := 0; i < len(got); i++ {
				c := got[i]
				if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
					t.Errorf("SanitizeIdentifier(%q) = %q, contains unsafe char: %q", tt.input, got, c)
				}
			}
		})
	}
}

func TestContainsControlChars(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"clean string", "Hello World", false},
		{"with tab", "Hello\tWorld", false},
		{"with newline", "Hello\nWorld", false},
		{"with CR", "Hello\rWorld", false},
		{"with null", "Hello\x00World", true},
		{"with bell", "Hello\x07World", true},
		{"with backspace", "Hello\x08World", true},
		{"with escape", "Hello\x1bWorld", true},
		{"with DEL", "Hello\x7fWorld", true},
		{"with form feed", "Hello\x0cWorld", true},
		{"empty string", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := containsControlChars(tt.input)
			if got != tt.want {
				t.Errorf("containsControlChars(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
