package scheduler

import "unicode/utf8"

// MaxExceptionMessageLength caps stored exception messages, in bytes.
// Oversized messages are cut, never rejected.
const MaxExceptionMessageLength = 4000

// TruncateExceptionMessage cuts a message to at most
// MaxExceptionMessageLength bytes without straddling an encoded character,
// so the truncated prefix still round-trips through UTF-8 decoding.
func TruncateExceptionMessage(msg string) string {
	if len(msg) <= MaxExceptionMessageLength {
		return msg
	}
	cut := MaxExceptionMessageLength
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
