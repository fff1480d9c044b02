package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Kind
	}{
		{"response", `{"response":true,"ok":true,"data":"--- Contacts ---"}`, KindResponse},
		{"response false", `{"response":false,"ok":false,"data":""}`, KindResponse},
		{"response wins over event", `{"response":true,"event":true}`, KindResponse},
		{"event", `{"event":true,"class":"ua","type":"REGISTER_OK"}`, KindEvent},
		{"event falsy", `{"event":false,"class":"ua"}`, KindText},
		{"event string", `{"event":"yes","type":"CALL_RINGING"}`, KindEvent},
		{"json without keys", `{"foo":1}`, KindText},
		{"broken json", `{"event":true`, KindText},
		{"text", `ua: sip:alice@example.com registered successfully`, KindText},
		{"json array", `[1,2]`, KindText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.raw)
			assert.Equal(t, tt.want, got.Kind)
			assert.Equal(t, tt.raw, got.Raw)
		})
	}
}

func TestClassifyResponseFields(t *testing.T) {
	msg := Classify(`{"response":true,"ok":true,"data":"line1\nline2","token":"abc"}`)
	require.Equal(t, KindResponse, msg.Kind)
	require.NotNil(t, msg.Response)
	assert.True(t, msg.Response.OK)
	assert.Equal(t, "line1\nline2", msg.Response.Data)
	assert.Equal(t, "abc", msg.Response.Token)
}

func TestEventStr(t *testing.T) {
	msg := Classify(`{"event":true,"class":"call","type":"CALL_CLOSED","local_uri":"sip:a@b","peeruri":"","remote_uri":"sip:c@d","id":42}`)
	require.Equal(t, KindEvent, msg.Kind)
	ev := msg.Event
	assert.Equal(t, "call", ev.Class)
	assert.Equal(t, "CALL_CLOSED", ev.Type)
	assert.Equal(t, "sip:a@b", ev.Str("accountaor", "localuri", "local_uri"))
	assert.Equal(t, "sip:c@d", ev.Str("peeruri", "peer_uri", "remote_uri"))
	assert.Equal(t, "42", ev.Str("id"))
	assert.Equal(t, "", ev.Str("missing"))
}
