package redact

import "regexp"

// Transcribed speech and completion replies land in the process log. Voice
// users routinely dictate contact details, so log lines mask the obvious
// high-risk patterns. Stored transcripts are not touched.
var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// Text masks emails, card numbers and phone numbers in s.
func Text(s string) string {
	out := emailPattern.ReplaceAllString(s, "[EMAIL]")
	// Cards first, or the digit runs read as phone numbers.
	out = cardPattern.ReplaceAllString(out, "[CARD]")
	return phonePattern.ReplaceAllString(out, "[PHONE]")
}
