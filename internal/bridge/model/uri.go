package model

import (
	"regexp"
	"sort"
	"strings"

	"github.com/emiago/sipgo/sip"
)

var digitsRe = regexp.MustCompile(`\d+`)

// NormalizeURI canonicalizes an account or contact URI: surrounding
// angle brackets and quotes are removed, the result is lowercased and a
// bare user@host gains the sip: scheme. Nested or unbalanced brackets
// are peeled until nothing changes, so the result is a fixed point.
func NormalizeURI(s string) string {
	for {
		next := normalizeOnce(s)
		if next == s {
			return next
		}
		s = next
	}
}

// normalizeOnce strips one layer of brackets. Apart from lowercasing and
// adding the scheme, which happen once, a pass that changes s drops a
// '<' or shortens it.
func normalizeOnce(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '<'); i >= 0 {
		if j := strings.IndexByte(s[i:], '>'); j > 0 {
			s = s[i+1 : i+j]
		} else {
			s = s[i+1:]
		}
	}
	s = strings.ToLower(strings.Trim(strings.TrimSpace(s), `"'>`))
	if s == "" {
		return ""
	}
	if !strings.HasPrefix(s, "sip:") && !strings.HasPrefix(s, "sips:") &&
		!strings.HasPrefix(s, "tel:") && strings.Contains(s, "@") {
		s = "sip:" + s
	}
	return s
}

// UserPart returns the user portion of a SIP URI, or "" if there is none.
func UserPart(uri string) string {
	uri = NormalizeURI(uri)
	if !strings.Contains(uri, "@") {
		return ""
	}
	var parsed sip.Uri
	if err := sip.ParseUri(uri, &parsed); err == nil && parsed.User != "" {
		return parsed.User
	}
	user := uri[:strings.IndexByte(uri, '@')]
	if colon := strings.IndexByte(user, ':'); colon >= 0 {
		user = user[colon+1:]
	}
	return user
}

// numericToken returns the first run of digits in the user part with
// leading zeros removed, or "" if the user part has no digits.
func numericToken(uri string) (string, bool) {
	m := digitsRe.FindString(UserPart(uri))
	if m == "" {
		return "", false
	}
	m = strings.TrimLeft(m, "0")
	if m == "" {
		m = "0"
	}
	return m, true
}

// LessURI orders account URIs numerically by SIP number when both carry
// one, and lexically otherwise.
func LessURI(a, b string) bool {
	na, okA := numericToken(a)
	nb, okB := numericToken(b)
	if okA && okB && na != nb {
		if len(na) != len(nb) {
			return len(na) < len(nb)
		}
		return na < nb
	}
	return a < b
}

// SortAccounts sorts accounts in place by LessURI.
func SortAccounts(accounts []Account) {
	sort.SliceStable(accounts, func(i, j int) bool {
		return LessURI(accounts[i].URI, accounts[j].URI)
	})
}
