package textutil

import (
	"strings"
	"unicode"
)

// symbolRanges covers emoji and pictographic blocks commonly pasted into
// telegram messages. Each entry is an inclusive rune range.
var symbolRanges = [][2]rune{
	{0x1F600, 0x1F64F}, // emoticons
	{0x1F300, 0x1F5FF}, // symbols & pictographs
	{0x1F680, 0x1F6FF}, // transport & map
	{0x1F1E0, 0x1F1FF}, // flags
	{0x1F900, 0x1F9FF}, // supplemental symbols
	{0x1FA00, 0x1FAFF}, // symbols extended
	{0x2600, 0x27BF},   // misc symbols + dingbats
	{0x24C2, 0x24C2},   // circled M
	{0x2B00, 0x2BFF},   // arrows & geometric shapes
	{0xFE00, 0xFE0F},   // variation selectors
	{0x200D, 0x200D},   // zero-width joiner
}

func isSymbol(r rune) bool {
	for _, rng := range symbolRanges {
		if r >= rng[0] && r <= rng[1] {
			return true
		}
	}
	return false
}

// Clean replaces pictographic symbols with spaces, collapses whitespace runs
// to a single space and trims the result. Idempotent.
func Clean(text string) string {
	if text == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(text))

	lastSpace := false
	for _, r := range text {
		if isSymbol(r) || unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}

	return strings.TrimSpace(b.String())
}

// IsValidMessage reports whether text survives cleaning with at least one
// alphanumeric character. Messages failing this are discarded before any
// further processing.
func IsValidMessage(text string) bool {
	cleaned := Clean(text)
	if cleaned == "" {
		return false
	}
	for _, r := range cleaned {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
