package extract

import (
	"regexp"
	"strings"

	"github.com/sebas/baresipbridge/internal/bridge/protocol"
)

var (
	ansiRe    = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)
	sipURIRe  = regexp.MustCompile(`sips?:[^@\s<>"']+@[^\s<>;,)'"]+`)
	regCodeRe = regexp.MustCompile(`\s*\[\d+\]\s*$`)
)

// Extract dispatches msg to the extractor family for its kind.
func Extract(msg protocol.Message) []Mutation {
	switch msg.Kind {
	case protocol.KindEvent:
		return FromEvent(msg.Event)
	case protocol.KindResponse:
		return FromResponse(msg.Response)
	default:
		return FromLine(msg.Raw)
	}
}

// StripANSI removes terminal color sequences and expands escaped newlines.
func StripANSI(s string) string {
	s = ansiRe.ReplaceAllString(s, "")
	return strings.ReplaceAll(s, `\n`, "\n")
}

// firstURI returns the first SIP URI in s, without trailing punctuation.
func firstURI(s string) string {
	return strings.TrimRight(sipURIRe.FindString(s), ":.")
}

// registrationErrorText strips trailing bracketed codes such as " [89]".
func registrationErrorText(param string) string {
	text := strings.TrimSpace(regCodeRe.ReplaceAllString(param, ""))
	if text == "" {
		return "Registration Error"
	}
	return text
}
