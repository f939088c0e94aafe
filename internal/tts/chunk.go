package tts

import "strings"

// SplitSentences cuts text into sentence-sized chunks on terminal punctuation
// and line breaks so the first words can be synthesized before the rest.
func SplitSentences(text string) []string {
	txt := strings.TrimSpace(text)
	if txt == "" {
		return nil
	}
	var chunks []string
	var b strings.Builder
	flush := func() {
		if chunk := strings.TrimSpace(b.String()); chunk != "" {
			chunks = append(chunks, chunk)
		}
		b.Reset()
	}
	for _, r := range txt {
		switch r {
		case '.', '!', '?':
			b.WriteRune(r)
			flush()
		case '\n', '\r':
			flush()
		default:
			b.WriteRune(r)
		}
	}
	flush()
	return chunks
}
