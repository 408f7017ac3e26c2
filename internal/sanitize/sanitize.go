// SPDX-License-Identifier: MIT

package sanitize

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	// MaxIdentifierLength is the maximum length for sanitized identifiers.
	MaxIdentifierLength = 64

	// MaxRawInputLength is the maximum raw input length we'll process.
	// Inputs longer than this are immediately rejected to prevent
	// memory exhaustion from malicious inputs.
	MaxRawInputLength = 1024
)

// SanitizeIdentifier sanitizes an untrusted identifier (unit_id, store name,
// FTP directory entry) for safe use as a path component — registry keys, ZIP
// archive entries, and per-device log file names all derive from device-
// controlled or device-adjacent strings and must not be usable for path
// traversal or shell/metacharacter injection.
//
// Input validation:
//   - Empty input returns timestamped fallback
//   - Input longer than 1024 bytes returns timestamped fallback (security measure)
//   - Control characters (0x00-0x1F other than tab, LF and CR) and DEL
//     (0x7F) trigger timestamped fallback
//
// Sanitization rules:
//  1. Reject suspicious patterns (path traversal, command injection): return timestamped fallback
//  2. Truncate to 64 characters maximum
//  3. Replace non-alphanumeric characters with underscore
//  4. Collapse consecutive underscores
//  5. Strip leading and trailing underscores
//  6. Prefix "id_" if starts with digit
//  7. Return timestamped fallback if empty after sanitization
//
// Examples:
//
//	"NL-43 Unit 7" → "NL_43_Unit_7"
//	"Auto-0012" → "Auto_0012"
//	"5th-Floor" → "id_5th_Floor"
//	"../etc/passwd" → "unknown_id_1234567890"
//	"" → "unknown_id_1234567890"
//
func SanitizeIdentifier(name string) string {
	// Early validation: reject empty input
	if name == "" {
		return timestampFallback()
	}

	// Security: reject excessively long input to prevent memory exhaustion
	if len(name) > MaxRawInputLength {
		return timestampFallback()
	}

	// Security: reject input containing control characters (0x00-0x1F except tab/newline)
	// These could cause issues in various contexts (file systems, terminals, configs)
	if containsControlChars(name) {
		return timestampFallback()
	}

	// Security: Reject suspicious patterns
	if strings.Contains(name, "..") ||
		strings.ContainsAny(name, "/$") ||
		strings.HasPrefix(name, "-") {
		return timestampFallback()
	}

	// Truncate to MaxIdentifierLength characters
	if len(name) > MaxIdentifierLength {
		name = name[:MaxIdentifierLength]
	}

	// Replace non-alphanumeric with underscore
	sanitized := replaceNonAlphanumeric(name)

	// Collapse consecutive underscores
	sanitized = collapseUnderscores(sanitized)

	// Strip leading and trailing underscores
	sanitized = strings.Trim(sanitized, "_")

	// Prefix "id_" if starts with digit
	if len(sanitized) > 0 && isDigit(sanitized[0]) {
		sanitized = "id_" + sanitized
	}

	// Fallback if empty
	if sanitized == "" {
		return timestampFallback()
	}

	return sanitized
}

// replaceNonAlphanumeric replaces any character that is not a-z, A-Z, or 0-9 with underscore.
func replaceNonAlphanumeric(s string) string {
	var result strings.Builder
	result.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAlphanumeric(c) {
			result.WriteByte(c)
		} else {
			result.WriteByte('_')
		}
	}

	return result.String()
}

// collapseUnderscores replaces consecutive underscores with a single underscore.
func collapseUnderscores(s string) string {
	// Use regex to match one or more underscores and replace with single underscore
	re := regexp.MustCompile(`_+`)
	return re.ReplaceAllString(s, "_")
}

// isAlphanumeric checks if a byte is a-z, A-Z, or 0-9.
func isAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// isDigit checks if a byte is 0-9.
func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// timestampFallback returns "unknown_id_" followed by Unix timestamp.
func timestampFallback() string {
	return fmt.Sprintf("unknown_id_%d", time.Now().Unix())
}

// containsControlChars checks if a string contains control characters (0x00-0x1F)
// except for common whitespace (tab 0x09, newline 0x0A, carriage return 0x0D).
// Control characters can cause issues in file paths, terminals, and config files.
func containsControlChars(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		// Check for control characters (0x00-0x1F) except tab, newline, carriage return
		if c < 0x20 && c != 0x09 && c != 0x0A && c != 0x0D {
			return true
		}
		// Also check for DEL (0x7F)
		if c == 0x7F {
			return true
		}
	}
	return false
}
