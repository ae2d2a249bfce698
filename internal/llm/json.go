// internal/llm/json.go
package llm

import (
	"strings"
	"unicode"
)

// Models wrap JSON in markdown fences or prepend prose despite instructions.
var jsonNoiseReplacer = strings.NewReplacer(
	"```json", "",
	"```", "",
	"\uFEFF", "",
	" ", " ",
)

// CleanJSONResponse strips everything around the first balanced JSON value in
// s. It does not repair broken JSON; an unparseable result is the caller's
// invalid-content error.
func CleanJSONResponse(s string) string {
	if s == "" {
		return s
	}

	s = jsonNoiseReplacer.Replace(s)
	s = strings.TrimSpace(s)

	// Drop zero-width and control characters except whitespace.
	s = strings.Map(func(r rune) rune {
		switch r {
		case '​', '‌', '‍', '⁠':
			return -1
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	start := strings.IndexAny(s, "[{")
	if start == -1 {
		return s
	}
	s = s[start:]

	isArray := s[0] == '['

	// Bracket counting, string-aware, to find the matching close.
	balance := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		char := s[i]

		if escaped {
			escaped = false
			continue
		}
		if char == '\\' {
			escaped = true
			continue
		}
		if char == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		if isArray {
			if char == '[' {
				balance++
			} else if char == ']' {
				balance--
			}
		} else {
			if char == '{' {
				balance++
			} else if char == '}' {
				balance--
			}
		}

		if balance == 0 {
			return strings.TrimSpace(s[:i+1])
		}
	}

	// No matching close found; fall back to the last closing bracket.
	end := strings.LastIndex(s, "}")
	if isArray {
		end = strings.LastIndex(s, "]")
	}
	if end != -1 {
		return strings.TrimSpace(s[:end+1])
	}

	return strings.TrimSpace(s)
}
