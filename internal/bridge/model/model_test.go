package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURI(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  SIP:Alice@Example.COM ", "sip:alice@example.com"},
		{"<sip:bob@x.com>", "sip:bob@x.com"},
		{`"Bob" <sip:Bob@X.com>;tag=1`, "sip:bob@x.com"},
		{"carol@example.com", "sip:carol@example.com"},
		{"sips:dave@example.com", "sips:dave@example.com"},
		{"2061616", "2061616"},
		{"", ""},
	}
	for _, tt := range tests {
		got := NormalizeURI(tt.in)
		assert.Equal(t, tt.want, got, "NormalizeURI(%q)", tt.in)
		assert.Equal(t, got, NormalizeURI(got), "NormalizeURI not idempotent for %q", tt.in)
	}
}

func TestNormalizeURIFixedPoint(t *testing.T) {
	odd := []string{
		"<<sip:a@b>>",
		"<sip:<sip:A@B>>",
		"<a@b",
		"a@b>",
		">>a@b<<",
		"<>",
		"<<>>",
		"< >",
		`"'<sip:x@y>'"`,
		`'"x@y"'`,
		" ' a@b",
		"sip:<a@b>",
		"tel:+41 44 000",
		"Name <sip:a@b> <sip:c@d>",
		"\xff@\xfe",
		"<\x00@>",
	}
	for _, in := range odd {
		once := NormalizeURI(in)
		assert.Equal(t, once, NormalizeURI(once), "NormalizeURI(%q)", in)
	}
	assert.Equal(t, "sip:a@b", NormalizeURI("<<sip:a@b>>"))
	assert.Equal(t, "sip:a@b", NormalizeURI("<<a@b"))
}

func FuzzNormalizeURI(f *testing.F) {
	for _, seed := range []string{"<<sip:a@b>>", `"Bob" <sip:Bob@X.com>;tag=1`, "<a@b", "2061616", ""} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, in string) {
		once := NormalizeURI(in)
		if twice := NormalizeURI(once); twice != once {
			t.Fatalf("NormalizeURI(%q) = %q, then %q", in, once, twice)
		}
	})
}

func TestUserPart(t *testing.T) {
	assert.Equal(t, "2061616", UserPart("sip:2061616@sip.example.ch"))
	assert.Equal(t, "alice", UserPart("<sip:Alice@example.com:5060;transport=tcp>"))
	assert.Equal(t, "", UserPart("unknown"))
}

func TestSortAccounts(t *testing.T) {
	accounts := []Account{
		NewAccount("sip:zed@example.com"),
		NewAccount("sip:2061616@sip.example.ch"),
		NewAccount("sip:100@sip.example.ch"),
		NewAccount("sip:alice@example.com"),
		NewAccount("sip:99@sip.example.ch"),
	}
	SortAccounts(accounts)

	var got []string
	for _, a := range accounts {
		got = append(got, a.URI)
	}
	// Numeric pairs order by number; anything involving a non-numeric
	// URI falls back to lexical order.
	assert.True(t, LessURI("sip:99@sip.example.ch", "sip:100@sip.example.ch"))
	assert.False(t, LessURI("sip:2061616@sip.example.ch", "sip:100@sip.example.ch"))
	assert.True(t, LessURI("sip:alice@example.com", "sip:zed@example.com"))
	assert.Equal(t, []string{
		"sip:99@sip.example.ch",
		"sip:100@sip.example.ch",
		"sip:2061616@sip.example.ch",
		"sip:alice@example.com",
		"sip:zed@example.com",
	}, got)
}

func TestMergeKeepsAbsentFields(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cur := NewAccount("sip:bob@x.com")
	cur.Registered = true
	cur.DisplayName = "Bob"
	cur.AutoConnectContact = "sip:alice@x.com"
	cur.LastEvent = now

	status := CallStatusRinging
	next := cur.Merge(AccountUpdate{CallStatus: &status}, now)

	assert.True(t, next.LastEvent.After(cur.LastEvent))
	assert.Equal(t, CallStatusRinging, next.CallStatus)
	assert.Equal(t, cur.Registered, next.Registered)
	assert.Equal(t, cur.DisplayName, next.DisplayName)
	assert.Equal(t, cur.AutoConnectContact, next.AutoConnectContact)
	assert.Equal(t, cur.AutoConnectStatus, next.AutoConnectStatus)

	empty := ""
	cleared := next.Merge(AccountUpdate{AutoConnectContact: &empty}, now.Add(time.Second))
	assert.Empty(t, cleared.AutoConnectContact)
	assert.Equal(t, now.Add(time.Second), cleared.LastEvent)
}

func TestCallStateTransitions(t *testing.T) {
	assert.True(t, CallStateRinging.CanTransitionTo(CallStateEstablished))
	assert.True(t, CallStateEstablished.CanTransitionTo(CallStateClosing))
	assert.False(t, CallStateEstablished.CanTransitionTo(CallStateRinging))
	assert.False(t, CallStateClosing.CanTransitionTo(CallStateEstablished))
	assert.True(t, CallStateClosing.IsTerminal())

	data, err := json.Marshal(Call{ID: "abc", State: CallStateEstablished})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"Established"`)
}

func TestParsePresence(t *testing.T) {
	assert.Equal(t, PresenceOnline, ParsePresence("Online"))
	assert.Equal(t, PresenceOnline, ParsePresence("open"))
	assert.Equal(t, PresenceOffline, ParsePresence("closed"))
	assert.Equal(t, PresenceBusy, ParsePresence("Busy"))
	assert.Equal(t, PresenceAway, ParsePresence("AWAY"))
	assert.Equal(t, PresenceUnknown, ParsePresence("whatever"))
}

func TestCallCloneIsDeep(t *testing.T) {
	c := Call{
		ID:         "a",
		AudioRx:    &StreamStats{Packets: 1},
		AudioCodec: &Codec{Name: "opus", Params: map[string]string{"stereo": "1"}},
	}
	cp := c.Clone()
	cp.AudioRx.Packets = 99
	cp.AudioCodec.Params["stereo"] = "0"

	assert.Equal(t, int64(1), c.AudioRx.Packets)
	assert.Equal(t, "1", c.AudioCodec.Params["stereo"])
}
