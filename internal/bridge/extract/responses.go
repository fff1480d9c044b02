package extract

import (
	"regexp"
	"strings"

	"github.com/sebas/baresipbridge/internal/bridge/model"
	"github.com/sebas/baresipbridge/internal/bridge/protocol"
)

var (
	contactLineRe  = regexp.MustCompile(`(?i)^[\s>*]*(?:(unknown|online|busy|offline|away|open|closed)\s+)?(?:"([^"]*)"|([^<]*?))\s*<(sips?:[^@>\s]+@[^>\s]+)>`)
	regStatusRe    = regexp.MustCompile(`^\s*>?\s*\d+\s*-\s*(?:"?([^"<]*?)"?\s*<)?(sips?:[^@\s>]+@[^\s>]+?)>?\s+(OK|ERR)\b`)
	uaLineRe       = regexp.MustCompile(`^\s*>?\s*(?:\d+\s*-\s*)?(?:"?([^"<]*?)"?\s*<)?(sips?:[^@\s>]+@[^\s>;]+?)>?(?:\s|;|$)`)
	callLineRe     = regexp.MustCompile(`(?i)<(sips?:[^@\s]+@[^\s>]+)>\s*<(sips?:[^@\s]+@[^\s>]+)>\s*\[([^\]]+)\](?:.*?\bid[=:](\S+))?`)
	oldCallLineRe  = regexp.MustCompile(`(?i)(sips?:[^@\s]+@[^\s>]+).*->.*?(sips?:[^@\s]+@[^\s\[>]+)>?\s*\[([^\]]+)\]`)
	sysInfoLineRe  = regexp.MustCompile(`^\s*([A-Za-z][A-Za-z /]*?)\s*:\s+(.+?)\s*$`)
	commandTokenRe = regexp.MustCompile(`^([a-z_]+)[/:-]`)
)

type responseRule struct {
	name     string
	commands []string
	match    func(data string) bool
	extract  func(data string) []Mutation
}

// responseRules are tried in order; the first match wins. When a
// response token names the command it answers, the rule for that command
// is used directly.
var responseRules = []responseRule{
	{"contacts", []string{protocol.CmdContacts}, containsFold("--- contacts"), directoryResponse},
	{"callstat", []string{protocol.CmdCallStat}, isCallStat, callStatResponse},
	{"calls", []string{protocol.CmdListCalls}, isCallList, callListResponse},
	{"user-agents", []string{protocol.CmdUAList, protocol.CmdRegInfo}, containsFold("user agents"), userAgentsResponse},
	{"sysinfo", []string{protocol.CmdSysInfo}, containsFold("system info"), sysInfoResponse},
}

// FromResponse extracts mutations from a command response.
func FromResponse(r *protocol.Response) []Mutation {
	if r == nil || r.Data == "" {
		return nil
	}
	data := StripANSI(r.Data)

	if cmd := CommandFromToken(r.Token); cmd != "" {
		for _, rule := range responseRules {
			for _, c := range rule.commands {
				if c == cmd {
					return rule.extract(data)
				}
			}
		}
	}
	for _, rule := range responseRules {
		if rule.match(data) {
			return rule.extract(data)
		}
	}
	return nil
}

// CommandToken builds a token that names the command it was sent with.
func CommandToken(command, id string) string {
	return command + "/" + id
}

// CommandFromToken recovers the command name from a CommandToken.
func CommandFromToken(token string) string {
	if m := commandTokenRe.FindStringSubmatch(token); m != nil {
		return m[1]
	}
	return ""
}

func directoryResponse(data string) []Mutation {
	var entries []ContactEntry
	for _, line := range strings.Split(data, "\n") {
		m := contactLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		uri := model.NormalizeURI(m[4])
		name := strings.TrimSpace(m[2] + m[3])
		if name == "" {
			name = model.UserPart(uri)
		}
		entry := ContactEntry{URI: uri, Name: name}
		if m[1] != "" {
			entry.Presence = model.ParsePresence(m[1])
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return nil
	}
	return []Mutation{UpsertContacts{Entries: entries}}
}

// registrationHeuristic guesses an error category from the URI shape. It
// only serves snapshot listings that carry no error text.
func registrationHeuristic(uri string) string {
	switch {
	case strings.Contains(uri, "wronguri"), strings.Contains(uri, "invalid"):
		return "Not Found"
	case strings.HasSuffix(uri, ".ch"):
		return "Unauthorized"
	default:
		return "Service Unavailable"
	}
}

func userAgentsResponse(data string) []Mutation {
	var out []Mutation
	for _, line := range strings.Split(data, "\n") {
		if m := regStatusRe.FindStringSubmatch(line); m != nil {
			uri := model.NormalizeURI(m[2])
			out = append(out, UpsertAccount{URI: uri, DisplayName: strings.TrimSpace(m[1]), Configured: true})
			if m[3] == "OK" {
				out = append(out, SetAccountRegistered{URI: uri, OK: true})
			} else {
				out = append(out, SetAccountRegistered{URI: uri, ErrorText: registrationHeuristic(uri), Heuristic: true})
			}
			continue
		}
		if strings.Contains(strings.ToLower(line), "user agents") {
			continue
		}
		if m := uaLineRe.FindStringSubmatch(line); m != nil {
			out = append(out, UpsertAccount{
				URI:         model.NormalizeURI(m[2]),
				DisplayName: strings.TrimSpace(m[1]),
				Configured:  true,
			})
		}
	}
	return out
}

func isCallList(data string) bool {
	lower := strings.ToLower(data)
	return (strings.Contains(lower, "call:") || strings.Contains(lower, "=== call")) && strings.Contains(lower, "sip:")
}

func callListResponse(data string) []Mutation {
	var out []Mutation
	for _, line := range strings.Split(data, "\n") {
		lower := strings.ToLower(line)
		if !strings.Contains(lower, "sip:") {
			continue
		}

		var local, remote, state, id string
		if m := callLineRe.FindStringSubmatch(line); m != nil {
			local, remote, state, id = m[1], m[2], m[3], m[4]
		} else if m := oldCallLineRe.FindStringSubmatch(line); m != nil {
			local, remote, state = m[1], m[2], m[3]
		} else {
			continue
		}

		local = model.NormalizeURI(local)
		remote = model.NormalizeURI(remote)
		if id == "" {
			id = model.SyntheticCallID(local, remote)
		}
		callState := model.CallStateRinging
		if strings.EqualFold(strings.TrimSpace(state), "ESTABLISHED") {
			callState = model.CallStateEstablished
		}

		out = append(out, SetCallState{
			CallID:    id,
			LocalURI:  local,
			RemoteURI: remote,
			PeerName:  model.UserPart(remote),
			State:     callState,
			Direction: model.DirectionUnknown,
			Snapshot:  true,
		})
	}
	return out
}

func isCallStat(data string) bool {
	return strings.Contains(data, "local formats:") || strings.Contains(data, "RTCP_STATS")
}

func callStatResponse(data string) []Mutation {
	u := UpdateCallStats{}
	if m := callStatIDRe.FindStringSubmatch(data); m != nil {
		u.CallID = m[1]
	}

	if _, after, ok := strings.Cut(data, "local formats:"); ok {
		section, _, _ := strings.Cut(after, "remote formats:")
		u.Codecs, u.Codec = parseCodecs(section)
	}

	if m := rtcpStatsRe.FindStringSubmatch(data); m != nil {
		kv := parseKV(m[1])
		if stats := rtcpStats(kv); stats != nil {
			u.Rx, u.Tx = stats.Rx, stats.Tx
			if u.CallID == "" {
				u.CallID = stats.CallID
			}
		}
	}

	if u.Codec == nil && len(u.Codecs) == 0 && u.Rx == nil && u.Tx == nil {
		return nil
	}
	return []Mutation{u}
}

func sysInfoResponse(data string) []Mutation {
	fields := make(map[string]string)
	for _, line := range strings.Split(data, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "---") {
			continue
		}
		if m := sysInfoLineRe.FindStringSubmatch(line); m != nil {
			fields[strings.ToLower(strings.ReplaceAll(m[1], " ", "_"))] = m[2]
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return []Mutation{SetSystemInfo{Fields: fields}}
}
