package telegram

import (
	"regexp"
	"strings"
)

const maxMessageLen = 4096

// chunkMessage splits a message into chunks that fit within Telegram's message size limit.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		// Prefer a newline in the second half of the window
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}

	return chunks
}

var doubleBold = regexp.MustCompile(`\*\*(.+?)\*\*`)

// toTelegramMarkdown rewrites **bold** into the single-asterisk form of
// Telegram's legacy Markdown.
func toTelegramMarkdown(s string) string {
	return doubleBold.ReplaceAllString(s, "*$1*")
}
