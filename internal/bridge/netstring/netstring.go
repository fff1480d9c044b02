// Package netstring frames control-socket traffic as <length>:<payload>,
// and falls back to newline-delimited text for peers that do not frame.
package netstring

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// MaxFrameSize bounds the length header the decoder will wait for.
// Larger headers are treated as unframed text.
const MaxFrameSize = 4 << 20

// maxHeaderDigits is enough for MaxFrameSize.
const maxHeaderDigits = 8

// Command is the JSON payload of an outbound frame.
type Command struct {
	Command string `json:"command"`
	Params  string `json:"params,omitempty"`
	Token   string `json:"token,omitempty"`
}

// Encode serializes a command and wraps it in a frame.
func Encode(command, params, token string) ([]byte, error) {
	var payload bytes.Buffer
	enc := json.NewEncoder(&payload)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(Command{Command: command, Params: params, Token: token}); err != nil {
		return nil, err
	}
	return Frame(bytes.TrimRight(payload.Bytes(), "\n")), nil
}

// Frame wraps payload as <len>:<payload>,
func Frame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+maxHeaderDigits+2)
	out = strconv.AppendInt(out, int64(len(payload)), 10)
	out = append(out, ':')
	out = append(out, payload...)
	return append(out, ',')
}

// Decode reads consecutive frames from the start of buf. It stops at the
// first structural mismatch (non-numeric length, short buffer, missing
// comma) and reports how many bytes the returned frames occupied.
func Decode(buf []byte) (messages []string, consumed int) {
	for consumed < len(buf) {
		payload, n, ok := parseOne(buf[consumed:])
		if !ok {
			break
		}
		messages = append(messages, string(payload))
		consumed += n
	}
	return messages, consumed
}

// parseOne parses a single frame at the start of buf.
func parseOne(buf []byte) (payload []byte, n int, ok bool) {
	colon := bytes.IndexByte(buf, ':')
	if colon <= 0 || colon > maxHeaderDigits {
		return nil, 0, false
	}
	length, err := strconv.Atoi(string(buf[:colon]))
	if err != nil || length < 0 || !allDigits(buf[:colon]) {
		return nil, 0, false
	}
	total := colon + 1 + length + 1
	if len(buf) < total || buf[total-1] != ',' {
		return nil, 0, false
	}
	return buf[colon+1 : colon+1+length], total, true
}

// incomplete reports whether buf starts like a frame whose bytes have
// not all arrived yet.
func incomplete(buf []byte) bool {
	i := 0
	for i < len(buf) && i <= maxHeaderDigits && buf[i] >= '0' && buf[i] <= '9' {
		i++
	}
	if i == 0 || i > maxHeaderDigits {
		return false
	}
	if i == len(buf) {
		return true
	}
	if buf[i] != ':' {
		return false
	}
	length, err := strconv.Atoi(string(buf[:i]))
	if err != nil || length > MaxFrameSize {
		return false
	}
	return len(buf) < i+1+length+1
}

func allDigits(b []byte) bool {
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
