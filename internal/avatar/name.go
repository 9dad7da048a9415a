package avatar

import (
	"strings"
	"unicode"
)

// MaxNameLen bounds avatar ids and render names, which become path elements.
const MaxNameLen = 128

// SanitizeName makes s safe to use as a single path element. Control
// characters are dropped, anything outside letters, digits and -_. becomes
// '_', and leading dots are stripped so the result can never be "." or "..".
func SanitizeName(s string, maxLen int) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsControl(r) {
			continue
		}
		if isAllowedNameRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	cleaned := strings.TrimLeft(b.String(), ".")
	if maxLen > 0 {
		runes := []rune(cleaned)
		if len(runes) > maxLen {
			cleaned = string(runes[:maxLen])
		}
	}
	return cleaned
}

func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '-', '_', '.':
		return true
	default:
		return false
	}
}
