package channels

import (
	"strings"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"
)

// Split breaks text into segments whose display width fits maxWidth,
// preferring newline and then space boundaries over hard cuts. Width is
// measured in terminal cells, so CJK runes count double, matching how
// chat platforms meter message length. maxWidth <= 0 disables
// splitting; empty text yields no segments.
func Split(text string, maxWidth int) []string {
	if text == "" {
		return nil
	}
	if maxWidth <= 0 || runewidth.StringWidth(text) <= maxWidth {
		return []string{text}
	}

	var segments []string
	remaining := text
	for runewidth.StringWidth(remaining) > maxWidth {
		head := widthPrefix(remaining, maxWidth)
		if head == "" {
			// A single rune wider than the limit still has to ship.
			_, size := utf8.DecodeRuneInString(remaining)
			head = remaining[:size]
		}
		if i := strings.LastIndexByte(head, '\n'); i > 0 {
			segments = append(segments, remaining[:i])
			remaining = remaining[i+1:]
			continue
		}
		if i := strings.LastIndexByte(head, ' '); i > 0 {
			segments = append(segments, remaining[:i])
			remaining = remaining[i+1:]
			continue
		}
		segments = append(segments, head)
		remaining = remaining[len(head):]
	}
	if remaining != "" {
		segments = append(segments, remaining)
	}
	return segments
}

// widthPrefix returns the longest prefix of s whose display width is at
// most w.
func widthPrefix(s string, w int) string {
	width := 0
	for i, r := range s {
		rw := runewidth.RuneWidth(r)
		if width+rw > w {
			return s[:i]
		}
		width += rw
	}
	return s
}
