package extract

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/sebas/baresipbridge/internal/bridge/model"
)

var (
	audioBitrateRe   = regexp.MustCompile(`\[\d+:\d+:\d+\]\s+audio=\d+/\d+\s+\(bit/s\)`)
	streamStatLineRe = regexp.MustCompile(`(?i)audio\s+(rx|tx):|^(rx|tx):|stream.*audio\s+(rx|tx)`)
	streamCallIDRe   = regexp.MustCompile(`Call\s+([A-Za-z0-9-]+):`)
	packetsRes       = counterRes("packets")
	lostRes          = counterRes("lost")
	jitterRe         = regexp.MustCompile(`(?i)jitter[=:\s]+([\d.]+)`)
	bitrateRe        = regexp.MustCompile(`(?i)bitrate[=:\s]+(\d+)`)
	presenceJSONRe   = regexp.MustCompile(`PRESENCE_EVENT:\s*(\{.*\})`)
	presenceColonRe  = regexp.MustCompile(`PRESENCE_EVENT:\s*(.+):([A-Za-z_-]+)\s*$`)
	isNowRe          = regexp.MustCompile(`<?(sips?:[^@\s>]+@[^\s>']+)>?[^']*?is now '([^']+)'`)
	legacyPresenceRe = regexp.MustCompile(`(?i)presence:`)
	regFailRe        = regexp.MustCompile(`\b(401|403|404|408|503)\b\s*([A-Za-z][A-Za-z ]*)?`)
)

type lineRule struct {
	name    string
	match   func(line string) bool
	extract func(line string) []Mutation
}

// lineRules are tried in order; the first match wins.
var lineRules = []lineRule{
	{"rtcp-stats", contains("RTCP_STATS:"), rtcpStatsLine},
	{"stream-stats", streamStatLineRe.MatchString, streamStatsLine},
	{"presence-json", presenceJSONRe.MatchString, presenceJSONLine},
	{"presence-event", presenceColonRe.MatchString, presenceColonLine},
	{"presence-is-now", isNowRe.MatchString, isNowLine},
	{"presence-legacy", legacyPresenceRe.MatchString, legacyPresenceLine},
	{"registered", containsFold("registered successfully"), registeredLine},
	{"unregistering", containsFold("unregistering"), unregisteringLine},
	{"register-failed", isRegFailLine, regFailLine},
	{"call-legacy", isLegacyCallLine, legacyCallLine},
}

// IsNoise reports lines that are dropped without being logged.
func IsNoise(line string) bool {
	return audioBitrateRe.MatchString(line)
}

// FromLine extracts mutations from one raw text line.
func FromLine(line string) []Mutation {
	line = strings.TrimSpace(StripANSI(line))
	if line == "" || IsNoise(line) {
		return nil
	}
	for _, rule := range lineRules {
		if rule.match(line) {
			return rule.extract(line)
		}
	}
	return nil
}

func contains(sub string) func(string) bool {
	return func(line string) bool { return strings.Contains(line, sub) }
}

func containsFold(sub string) func(string) bool {
	sub = strings.ToLower(sub)
	return func(line string) bool { return strings.Contains(strings.ToLower(line), sub) }
}

func rtcpStatsLine(line string) []Mutation {
	m := rtcpStatsRe.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	u := rtcpStats(parseKV(m[1]))
	if u == nil {
		return nil
	}
	return []Mutation{*u}
}

// counterRes matches a counter written as "name=N" (or "name: N",
// "name N"), falling back to "N name". The forms are tried one at a time
// so "N name" cannot claim the value of the field before it.
func counterRes(name string) []*regexp.Regexp {
	return []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b` + name + `[=:\s]+(\d+)`),
		regexp.MustCompile(`(?i)\b(\d+)\s+` + name + `\b`),
	}
}

func counter(line string, res []*regexp.Regexp) (int64, bool) {
	for _, re := range res {
		if m := re.FindStringSubmatch(line); m != nil {
			return parseInt(m[1])
		}
	}
	return 0, false
}

func streamStatsLine(line string) []Mutation {
	packets, ok := counter(line, packetsRes)
	if !ok {
		return nil
	}
	stats := &model.StreamStats{Packets: packets}
	stats.Lost, _ = counter(line, lostRes)
	if bm := bitrateRe.FindStringSubmatch(line); bm != nil {
		stats.Bitrate, _ = parseInt(bm[1])
	}

	u := UpdateCallStats{}
	if cm := streamCallIDRe.FindStringSubmatch(line); cm != nil {
		u.CallID = cm[1]
	}
	if strings.Contains(strings.ToLower(line), "rx:") {
		if jm := jitterRe.FindStringSubmatch(line); jm != nil {
			stats.Jitter, _ = parseFloat(jm[1])
		}
		u.Rx = stats
	} else {
		u.Tx = stats
	}
	return []Mutation{u}
}

func presenceJSONLine(line string) []Mutation {
	m := presenceJSONRe.FindStringSubmatch(line)
	var body struct {
		Contact string `json:"contact"`
		URI     string `json:"uri"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal([]byte(m[1]), &body); err != nil {
		return nil
	}
	contact := body.Contact
	if contact == "" {
		contact = body.URI
	}
	return presence(contact, body.Status)
}

func presenceColonLine(line string) []Mutation {
	m := presenceColonRe.FindStringSubmatch(line)
	return presence(m[1], m[2])
}

func isNowLine(line string) []Mutation {
	m := isNowRe.FindStringSubmatch(line)
	return presence(m[1], m[2])
}

func legacyPresenceLine(line string) []Mutation {
	uri := firstURI(line)
	lower := strings.ToLower(line)
	var status model.Presence
	switch {
	case strings.Contains(lower, "open"), strings.Contains(lower, "online"):
		status = model.PresenceOnline
	case strings.Contains(lower, "closed"), strings.Contains(lower, "offline"):
		status = model.PresenceOffline
	case strings.Contains(lower, "busy"):
		status = model.PresenceBusy
	case strings.Contains(lower, "away"):
		status = model.PresenceAway
	default:
		return nil
	}
	return presence(uri, string(status))
}

func presence(contact, status string) []Mutation {
	contact = model.NormalizeURI(contact)
	if contact == "" {
		return nil
	}
	return []Mutation{SetPresence{Contact: contact, Presence: model.ParsePresence(status)}}
}

func registeredLine(line string) []Mutation {
	uri := model.NormalizeURI(firstURI(line))
	if uri == "" {
		return nil
	}
	return []Mutation{SetAccountRegistered{URI: uri, OK: true}}
}

func unregisteringLine(line string) []Mutation {
	uri := model.NormalizeURI(firstURI(line))
	if uri == "" {
		return nil
	}
	return []Mutation{SetAccountRegistered{URI: uri}}
}

func isRegFailLine(line string) bool {
	return strings.Contains(strings.ToLower(line), "reg:") && regFailRe.MatchString(line) && firstURI(line) != ""
}

// regFailLine keeps the status phrase as printed; only a bare code is
// completed with its standard reason phrase.
func regFailLine(line string) []Mutation {
	uri := model.NormalizeURI(firstURI(line))
	m := regFailRe.FindStringSubmatch(line)
	reason := strings.TrimSpace(m[2])
	if reason == "" {
		code, _ := strconv.Atoi(m[1])
		reason = http.StatusText(code)
	}
	return []Mutation{SetAccountRegistered{URI: uri, ErrorText: m[1] + " " + reason}}
}

func isLegacyCallLine(line string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, "call established") ||
		strings.Contains(lower, "call ringing") ||
		strings.Contains(lower, "call terminated") ||
		strings.Contains(lower, "session closed")
}

func legacyCallLine(line string) []Mutation {
	uri := model.NormalizeURI(firstURI(line))
	if uri == "" {
		return nil
	}
	lower := strings.ToLower(line)
	status := model.CallStatusIdle
	switch {
	case strings.Contains(lower, "call established"):
		status = model.CallStatusInCall
	case strings.Contains(lower, "call ringing"):
		status = model.CallStatusRinging
	}
	return []Mutation{SetAccountCallStatus{URI: uri, Status: status}}
}
