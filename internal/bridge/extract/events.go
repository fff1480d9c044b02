package extract

import (
	"strings"

	"github.com/sebas/baresipbridge/internal/bridge/model"
	"github.com/sebas/baresipbridge/internal/bridge/protocol"
)

type eventRule struct {
	name    string
	match   func(ev *protocol.Event) bool
	extract func(ev *protocol.Event) []Mutation
}

// eventRules are tried in order; the first match wins.
var eventRules = []eventRule{
	{"registration", typeIn("REGISTER_OK", "REGISTER_FAIL", "UNREGISTERING"), registrationEvent},
	{"account", isAccountEvent, accountEvent},
	{"call", isCallEvent, callEvent},
	{"presence", isPresenceEvent, presenceEvent},
}

// FromEvent extracts mutations from an asynchronous event.
func FromEvent(ev *protocol.Event) []Mutation {
	if ev == nil {
		return nil
	}
	for _, rule := range eventRules {
		if rule.match(ev) {
			return rule.extract(ev)
		}
	}
	return nil
}

func typeIn(types ...string) func(*protocol.Event) bool {
	return func(ev *protocol.Event) bool {
		for _, t := range types {
			if strings.EqualFold(ev.Type, t) {
				return true
			}
		}
		return false
	}
}

func accountAOR(ev *protocol.Event) string {
	return model.NormalizeURI(ev.Str("accountaor", "localuri", "local_uri"))
}

func registrationEvent(ev *protocol.Event) []Mutation {
	uri := accountAOR(ev)
	if uri == "" {
		return nil
	}
	switch strings.ToUpper(ev.Type) {
	case "REGISTER_OK":
		return []Mutation{SetAccountRegistered{URI: uri, OK: true}}
	case "REGISTER_FAIL":
		return []Mutation{SetAccountRegistered{URI: uri, ErrorText: registrationErrorText(ev.Str("param"))}}
	default:
		return []Mutation{SetAccountRegistered{URI: uri}}
	}
}

func isAccountEvent(ev *protocol.Event) bool {
	if strings.EqualFold(ev.Type, "CREATE") {
		return true
	}
	return strings.EqualFold(ev.Type, "UA_EVENT") && strings.EqualFold(ev.Str("event_name"), "account")
}

func accountEvent(ev *protocol.Event) []Mutation {
	uri := accountAOR(ev)
	if uri == "" {
		return nil
	}
	return []Mutation{UpsertAccount{
		URI:         uri,
		DisplayName: ev.Str("display_name", "displayname"),
		Configured:  true,
	}}
}

type callTransition struct {
	state     model.CallState
	direction model.Direction
}

var callTransitions = map[string]callTransition{
	"CALL_ESTABLISHED": {model.CallStateEstablished, model.DirectionUnknown},
	"CALL_CONNECT":     {model.CallStateEstablished, model.DirectionUnknown},
	"CALL_RTPESTAB":    {model.CallStateEstablished, model.DirectionUnknown},
	"CALL_INCOMING":    {model.CallStateRinging, model.DirectionIncoming},
	"CALL_OUTGOING":    {model.CallStateRinging, model.DirectionOutgoing},
	"CALL_RINGING":     {model.CallStateRinging, model.DirectionOutgoing},
	"CALL_PROGRESS":    {model.CallStateRinging, model.DirectionOutgoing},
	"CALL_CLOSED":      {model.CallStateClosing, model.DirectionUnknown},
	"CALL_END":         {model.CallStateClosing, model.DirectionUnknown},
	"CALL_TERMINATE":   {model.CallStateClosing, model.DirectionUnknown},
}

func isCallEvent(ev *protocol.Event) bool {
	switch strings.ToLower(ev.Class) {
	case "call", "ua", "":
		_, ok := callTransitions[strings.ToUpper(ev.Type)]
		return ok
	}
	return false
}

func callEvent(ev *protocol.Event) []Mutation {
	tr := callTransitions[strings.ToUpper(ev.Type)]
	local := accountAOR(ev)
	if local == "" {
		return nil
	}

	remote := model.NormalizeURI(ev.Str("peeruri", "peer_uri", "remote_uri"))
	if remote == "" {
		remote = "unknown"
	}

	direction := tr.direction
	switch strings.ToLower(ev.Str("direction")) {
	case "incoming":
		direction = model.DirectionIncoming
	case "outgoing":
		direction = model.DirectionOutgoing
	}

	id := ev.Str("id", "callid", "call_id")
	if id == "" {
		id = model.SyntheticCallID(local, remote)
	}

	peerName := ev.Str("peerdisplayname", "peer_name", "display_name")
	if peerName == "" {
		peerName = model.UserPart(remote)
	}

	return []Mutation{SetCallState{
		CallID:    id,
		LocalURI:  local,
		RemoteURI: remote,
		PeerName:  peerName,
		State:     tr.state,
		Direction: direction,
	}}
}

func isPresenceEvent(ev *protocol.Event) bool {
	return strings.EqualFold(ev.Class, "presence") ||
		strings.EqualFold(ev.Type, "PRESENCE") ||
		strings.EqualFold(ev.Type, "PRESENCE_EVENT")
}

func presenceEvent(ev *protocol.Event) []Mutation {
	contact := model.NormalizeURI(ev.Str("contact", "peeruri", "uri"))
	if contact == "" {
		return nil
	}
	return []Mutation{SetPresence{
		Contact:  contact,
		Presence: model.ParsePresence(ev.Str("status", "presence", "param")),
	}}
}
