package policy

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	// Transcript timestamps look like phone fragments; keep them out of reach.
	stampPattern = regexp.MustCompile(`^\[\d{2}:\d{2}:\d{2}\] `)
)

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Card before phone so card numbers are not classified as phones.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactTranscript applies RedactPII line by line, leaving the leading
// "[HH:MM:SS] " stamp of speaker lines and the header block untouched.
func RedactTranscript(transcript string) (string, bool) {
	lines := strings.Split(transcript, "\n")
	changed := false
	for i, line := range lines {
		prefix := ""
		if loc := stampPattern.FindStringIndex(line); loc != nil {
			prefix, line = line[:loc[1]], line[loc[1]:]
		} else if strings.HasPrefix(line, "Started: ") {
			continue
		}
		redacted, lineChanged := RedactPII(line)
		if lineChanged {
			changed = true
			lines[i] = prefix + redacted
		}
	}
	return strings.Join(lines, "\n"), changed
}
