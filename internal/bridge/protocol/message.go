// Package protocol classifies decoded control-socket messages into
// command responses, asynchronous events and raw text lines.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind is the shape of a decoded message.
type Kind int

const (
	KindText Kind = iota
	KindResponse
	KindEvent
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// Response answers a command.
type Response struct {
	OK    bool
	Data  string
	Token string
}

// Event is an asynchronous notification. Fields holds every key of the
// original object so extractors can read dialect-specific names.
type Event struct {
	Class  string
	Type   string
	Fields map[string]any
}

// Str returns the first non-empty string value among keys.
func (e *Event) Str(keys ...string) string {
	for _, k := range keys {
		if s := stringValue(e.Fields[k]); s != "" {
			return s
		}
	}
	return ""
}

// Message is one classified unit of inbound traffic.
type Message struct {
	Kind     Kind
	Raw      string
	Response *Response
	Event    *Event
}

// Classify determines the shape of raw. An object with a "response" key
// (even false) is a response; one with a truthy "event" key is an event;
// anything else, including invalid JSON, is a text line.
func Classify(raw string) Message {
	msg := Message{Kind: KindText, Raw: raw}

	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return msg
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return msg
	}

	if _, ok := fields["response"]; ok {
		msg.Kind = KindResponse
		msg.Response = &Response{
			OK:    truthy(fields["ok"]),
			Data:  stringValue(fields["data"]),
			Token: stringValue(fields["token"]),
		}
		return msg
	}
	if truthy(fields["event"]) {
		msg.Kind = KindEvent
		msg.Event = &Event{
			Class:  stringValue(fields["class"]),
			Type:   stringValue(fields["type"]),
			Fields: fields,
		}
	}
	return msg
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}

// stringValue renders scalars as strings; nested objects come back as JSON.
func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
