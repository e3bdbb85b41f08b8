package views

import "strings"

// sanitizeForTerminal drops code points that tcell measures wrongly:
// emoji skin tone modifiers, zero width joiners and variation selectors.
// A thumbs-up with a skin tone becomes a plain thumbs-up, two cells wide.
func sanitizeForTerminal(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 0x1F3FB && r <= 0x1F3FF, // skin tones
			r == 0x200D, // ZWJ
			r >= 0xFE00 && r <= 0xFE0F,
			r >= 0xE0100 && r <= 0xE01EF:
			return -1
		}
		return r
	}, s)
}
