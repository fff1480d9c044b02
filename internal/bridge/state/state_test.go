package state

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/baresipbridge/internal/bridge/events"
	"github.com/sebas/baresipbridge/internal/bridge/extract"
	"github.com/sebas/baresipbridge/internal/bridge/model"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// recorder collects broadcasts. Removal timers publish from their own
// goroutine, so access is locked.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func newTestStore(t *testing.T) (*Store, *clockwork.FakeClock, *recorder) {
	t.Helper()
	clk := clockwork.NewFakeClockAt(epoch)
	rec := &recorder{}
	return New(clk, rec, DefaultConfig()), clk, rec
}

func TestRing(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, []int{3, 4, 5}, r.Items())
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 3, r.Cap())

	r.Clear()
	assert.Empty(t, r.Items())
	r.Push(9)
	assert.Equal(t, []int{9}, r.Items())
}

func TestLogRingCapped(t *testing.T) {
	clk := clockwork.NewFakeClockAt(epoch)
	s := New(clk, nil, Config{LogSize: 1000, CallGrace: time.Second})

	for i := 0; i < 1005; i++ {
		s.AddLog("info", "test", "line")
	}
	logs := s.Logs()
	require.Len(t, logs, 1000)
	assert.Equal(t, uint64(6), logs[0].Seq)
	assert.Equal(t, uint64(1005), logs[999].Seq)

	s.ClearLogs()
	assert.Empty(t, s.Logs())
}

func TestUpsertAccountBroadcastsOncePerMutation(t *testing.T) {
	s, clk, rec := newTestStore(t)

	first := s.UpsertAccount("SIP:Alice@Example.com", model.AccountUpdate{Registered: ptr(true)})
	assert.Equal(t, "sip:alice@example.com", first.URI)

	second := s.UpsertAccount("sip:alice@example.com", model.AccountUpdate{DisplayName: ptr("Alice")})
	assert.True(t, second.LastEvent.After(first.LastEvent), "lastEvent must advance even with a frozen clock")
	assert.True(t, second.Registered, "absent fields keep their value")

	clk.Advance(time.Second)
	third := s.UpsertAccount("sip:alice@example.com", model.AccountUpdate{})
	assert.Equal(t, epoch.Add(time.Second), third.LastEvent)

	assert.Equal(t, []events.Type{
		events.TypeAccountStatus, events.TypeAccountStatus, events.TypeAccountStatus,
	}, rec.types())
	require.NotNil(t, rec.events[1].Account)
	assert.Equal(t, "Alice", rec.events[1].Account.DisplayName)

	_, ok := s.Account("sip:ALICE@example.com")
	assert.True(t, ok, "lookups are case-insensitive")
}

func TestAccountsSortedByNumber(t *testing.T) {
	s, _, _ := newTestStore(t)
	for _, uri := range []string{"sip:zed@x", "sip:2061616@x", "sip:100@x", "sip:alice@x", "sip:99@x"} {
		s.UpsertAccount(uri, model.AccountUpdate{})
	}

	var got []string
	for _, a := range s.Accounts() {
		got = append(got, a.URI)
	}
	assert.Equal(t, []string{"sip:99@x", "sip:100@x", "sip:2061616@x", "sip:alice@x", "sip:zed@x"}, got)
}

func TestReadsReturnCopies(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.Apply(extract.SetCallState{CallID: "c1", LocalURI: "sip:a@x", RemoteURI: "sip:b@x", State: model.CallStateRinging})
	s.Apply(extract.UpdateCallStats{CallID: "c1", Rx: &model.StreamStats{Packets: 10}})

	calls := s.Calls()
	require.Len(t, calls, 1)
	calls[0].State = model.CallStateClosing
	calls[0].AudioRx.Packets = 999

	again, ok := s.Call("c1")
	require.True(t, ok)
	assert.Equal(t, model.CallStateRinging, again.State)
	assert.Equal(t, int64(10), again.AudioRx.Packets)
}

func TestRegistrationFailureKeepsLiveText(t *testing.T) {
	s, _, rec := newTestStore(t)

	fx := s.Apply(extract.SetAccountRegistered{URI: "sip:bob@x.com", ErrorText: "403 Forbidden"})
	assert.Empty(t, fx.Registered)
	a, _ := s.Account("sip:bob@x.com")
	assert.False(t, a.Registered)
	assert.Equal(t, "403 Forbidden", a.RegistrationError)

	s.Apply(extract.SetAccountRegistered{URI: "sip:bob@x.com", ErrorText: "Service Unavailable", Heuristic: true})
	a, _ = s.Account("sip:bob@x.com")
	assert.Equal(t, "403 Forbidden", a.RegistrationError, "heuristic text never replaces live text")

	fx = s.Apply(extract.SetAccountRegistered{URI: "sip:bob@x.com", OK: true})
	assert.Equal(t, []string{"sip:bob@x.com"}, fx.Registered)
	a, _ = s.Account("sip:bob@x.com")
	assert.True(t, a.Registered)
	assert.Empty(t, a.RegistrationError)

	assert.Len(t, rec.events, 3)
}

func TestCallTwoPhaseRemoval(t *testing.T) {
	s, clk, rec := newTestStore(t)
	s.UpsertAccount("sip:a@x", model.AccountUpdate{Registered: ptr(true)})
	rec.reset()

	s.Apply(extract.SetCallState{CallID: "c1", LocalURI: "sip:a@x", RemoteURI: "sip:b@x", State: model.CallStateRinging, Direction: model.DirectionOutgoing})
	a, _ := s.Account("sip:a@x")
	assert.Equal(t, model.CallStatusRinging, a.CallStatus)
	assert.Equal(t, "c1", a.CallID)

	clk.Advance(3 * time.Second)
	s.Apply(extract.SetCallState{CallID: "c1", LocalURI: "sip:a@x", State: model.CallStateEstablished})
	a, _ = s.Account("sip:a@x")
	assert.Equal(t, model.CallStatusInCall, a.CallStatus)

	clk.Advance(10 * time.Second)
	fx := s.Apply(extract.SetCallState{CallID: "c1", LocalURI: "sip:a@x", State: model.CallStateClosing})
	assert.Equal(t, []string{"sip:a@x"}, fx.CallsEnded)

	c, ok := s.Call("c1")
	require.True(t, ok, "closed call stays visible during grace")
	assert.Equal(t, model.CallStateClosing, c.State)
	assert.Equal(t, int64(13), c.Duration)
	require.NotNil(t, c.AnswerTime)
	assert.Equal(t, epoch.Add(3*time.Second), *c.AnswerTime)

	a, _ = s.Account("sip:a@x")
	assert.Equal(t, model.CallStatusIdle, a.CallStatus)
	assert.Empty(t, a.CallID)

	clk.Advance(999 * time.Millisecond)
	assert.Len(t, s.Calls(), 1)
	clk.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return len(s.Calls()) == 0 }, time.Second, time.Millisecond)

	assert.Equal(t, []events.Type{
		events.TypeCallAdded, events.TypeAccountStatus,
		events.TypeCallUpdated, events.TypeAccountStatus,
		events.TypeCallUpdated, events.TypeAccountStatus,
		events.TypeCallRemoved,
	}, rec.types())
}

func TestCallIgnoresRegressionsAndDuplicates(t *testing.T) {
	s, _, rec := newTestStore(t)
	s.Apply(extract.SetCallState{CallID: "c1", LocalURI: "sip:a@x", RemoteURI: "sip:b@x", State: model.CallStateEstablished})
	rec.reset()

	s.Apply(extract.SetCallState{CallID: "c1", LocalURI: "sip:a@x", State: model.CallStateRinging})
	s.Apply(extract.SetCallState{CallID: "c1", LocalURI: "sip:a@x", State: model.CallStateEstablished})
	assert.Empty(t, rec.events)

	s.Apply(extract.SetCallState{CallID: "c1", LocalURI: "sip:a@x", State: model.CallStateClosing})
	rec.reset()
	s.Apply(extract.SetCallState{CallID: "c1", LocalURI: "sip:a@x", State: model.CallStateClosing})
	assert.Empty(t, rec.events, "repeated close is ignored")

	s.Apply(extract.SetCallState{CallID: "c1", LocalURI: "sip:a@x", State: model.CallStateEstablished, Snapshot: true})
	assert.Empty(t, rec.events, "a lagging call listing does not revive a closed call")
	c, _ := s.Call("c1")
	assert.Equal(t, model.CallStateClosing, c.State)
}

func TestCallReestablishedDuringGrace(t *testing.T) {
	s, clk, rec := newTestStore(t)
	s.UpsertAccount("sip:a@x", model.AccountUpdate{Registered: ptr(true)})

	s.Apply(extract.SetCallState{CallID: "c1", LocalURI: "sip:a@x", RemoteURI: "sip:b@x", State: model.CallStateRinging, Direction: model.DirectionOutgoing})
	s.Apply(extract.SetCallState{CallID: "c1", LocalURI: "sip:a@x", State: model.CallStateClosing})
	require.NoError(t, clk.BlockUntilContext(context.Background(), 1))

	clk.Advance(200 * time.Millisecond)
	rec.reset()
	s.Apply(extract.SetCallState{CallID: "c1", LocalURI: "sip:a@x", State: model.CallStateRinging})
	s.Apply(extract.SetCallState{CallID: "c1", LocalURI: "sip:a@x", State: model.CallStateEstablished})

	assert.Equal(t, []events.Type{
		events.TypeCallRemoved, events.TypeCallAdded, events.TypeAccountStatus,
		events.TypeCallUpdated, events.TypeAccountStatus,
	}, rec.types())

	c, ok := s.Call("c1")
	require.True(t, ok)
	assert.Equal(t, model.CallStateEstablished, c.State)
	assert.Equal(t, "sip:b@x", c.RemoteURI, "parties carry over from the closed call")
	assert.Equal(t, model.DirectionOutgoing, c.Direction)
	assert.Equal(t, epoch.Add(200*time.Millisecond), c.StartTime)
	assert.Nil(t, c.EndTime)

	// The old removal timer must not take the new call down.
	clk.Advance(2 * time.Second)
	require.Len(t, s.Calls(), 1)
	a, _ := s.Account("sip:a@x")
	assert.Equal(t, model.CallStatusInCall, a.CallStatus)
	assert.Equal(t, "c1", a.CallID)
}

func TestCallMissingRemoteAndID(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.Apply(extract.SetCallState{LocalURI: "sip:a@x", State: model.CallStateRinging})

	calls := s.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "unknown", calls[0].RemoteURI)
	assert.Equal(t, "sip:a@x->unknown", calls[0].ID)
	assert.Equal(t, model.DirectionUnknown, calls[0].Direction)
}

func TestZeroGraceRemovesImmediately(t *testing.T) {
	clk := clockwork.NewFakeClockAt(epoch)
	s := New(clk, nil, Config{CallGrace: 0})
	s.Apply(extract.SetCallState{CallID: "c1", LocalURI: "sip:a@x", RemoteURI: "sip:b@x", State: model.CallStateRinging})
	s.Apply(extract.SetCallState{CallID: "c1", LocalURI: "sip:a@x", State: model.CallStateClosing})
	assert.Empty(t, s.Calls())
}

func TestDirectoryPreservesAutoConnectConfig(t *testing.T) {
	s, _, rec := newTestStore(t)
	s.SetContactEnabled("sip:alice@example.com", true)
	rec.reset()

	fx := s.Apply(extract.UpsertContacts{Entries: []extract.ContactEntry{
		{URI: "sip:alice@example.com", Name: "Alice", Presence: model.PresenceOnline},
		{URI: "sip:bob@example.com", Name: "Bob"},
	}})
	assert.Equal(t, []string{"sip:alice@example.com"}, fx.CameOnline)

	alice, ok := s.Contact("sip:alice@example.com")
	require.True(t, ok)
	assert.Equal(t, "Alice", alice.Name)
	assert.Equal(t, model.PresenceOnline, alice.Presence)
	assert.True(t, alice.Enabled)

	bob, _ := s.Contact("sip:bob@example.com")
	assert.Equal(t, model.PresenceUnknown, bob.Presence)

	require.Len(t, rec.events, 1)
	assert.Equal(t, events.TypeContactsUpdate, rec.events[0].Type)
	assert.Len(t, rec.events[0].Contacts, 2)

	fx = s.Apply(extract.UpsertContacts{Entries: []extract.ContactEntry{
		{URI: "sip:alice@example.com", Name: "Alice", Presence: model.PresenceOnline},
	}})
	assert.Empty(t, fx.CameOnline, "already online")
}

func TestPresenceTransitions(t *testing.T) {
	s, _, rec := newTestStore(t)

	assert.True(t, s.SetPresence("sip:carol@x", model.PresenceOnline))
	assert.False(t, s.SetPresence("sip:carol@x", model.PresenceOnline))
	assert.False(t, s.SetPresence("sip:carol@x", model.PresenceAway))
	fx := s.Apply(extract.SetPresence{Contact: "<sip:Carol@x>", Presence: model.PresenceOnline})
	assert.Equal(t, []string{"sip:carol@x"}, fx.CameOnline)

	assert.Equal(t, model.PresenceOnline, s.Presence("sip:carol@x"))
	assert.Len(t, rec.events, 4)
	for _, ev := range rec.events {
		assert.Equal(t, events.TypePresence, ev.Type)
	}
}

func TestStatsInference(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.Apply(extract.SetCallState{CallID: "c1", LocalURI: "sip:a@x", RemoteURI: "sip:b@x", State: model.CallStateEstablished})

	s.Apply(extract.UpdateCallStats{Rx: &model.StreamStats{Packets: 5}})
	c, _ := s.Call("c1")
	require.NotNil(t, c.AudioRx)
	assert.Equal(t, int64(5), c.AudioRx.Packets)

	s.Apply(extract.SetCallState{CallID: "c2", LocalURI: "sip:z@x", RemoteURI: "sip:y@x", State: model.CallStateEstablished})
	s.Apply(extract.UpdateCallStats{Rx: &model.StreamStats{Packets: 50}})
	c, _ = s.Call("c1")
	assert.Equal(t, int64(5), c.AudioRx.Packets, "ambiguous stats are dropped")
	c2, _ := s.Call("c2")
	assert.Nil(t, c2.AudioRx)

	s.Apply(extract.UpdateCallStats{CallID: "c2", Tx: &model.StreamStats{Packets: 7}})
	c2, _ = s.Call("c2")
	require.NotNil(t, c2.AudioTx)
	assert.Equal(t, int64(7), c2.AudioTx.Packets)

	s.Apply(extract.UpdateCallStats{CallID: "nope", Tx: &model.StreamStats{Packets: 1}})
	assert.Len(t, s.Calls(), 2)
}

func TestAutoConnectStatusFollowsCall(t *testing.T) {
	s, _, rec := newTestStore(t)
	s.UpsertAccount("sip:100@pbx", model.AccountUpdate{Registered: ptr(true)})
	s.SetContactEnabled("sip:200@pbx", true)
	s.AssignAutoConnect("sip:100@pbx", "sip:200@pbx")
	rec.reset()

	s.Apply(extract.SetCallState{CallID: "c1", LocalURI: "sip:100@pbx", RemoteURI: "sip:200@pbx", State: model.CallStateRinging})
	c, _ := s.Contact("sip:200@pbx")
	assert.Equal(t, model.ConnectConnecting, c.Status)
	a, _ := s.Account("sip:100@pbx")
	assert.Equal(t, model.ConnectConnecting, a.AutoConnectStatus)

	s.Apply(extract.SetCallState{CallID: "c1", LocalURI: "sip:100@pbx", State: model.CallStateClosing})
	c, _ = s.Contact("sip:200@pbx")
	assert.Equal(t, model.ConnectFailed, c.Status, "closed before establishment")
	a, _ = s.Account("sip:100@pbx")
	assert.Equal(t, model.ConnectOff, a.AutoConnectStatus)

	s.Apply(extract.SetCallState{CallID: "c2", LocalURI: "sip:100@pbx", RemoteURI: "sip:200@other", State: model.CallStateEstablished})
	c, _ = s.Contact("sip:200@pbx")
	assert.Equal(t, model.ConnectConnected, c.Status, "peers match by user part")
	s.Apply(extract.SetCallState{CallID: "c2", LocalURI: "sip:100@pbx", State: model.CallStateClosing})
	c, _ = s.Contact("sip:200@pbx")
	assert.Equal(t, model.ConnectOff, c.Status)

	var statuses []string
	for _, ev := range rec.events {
		if ev.Type == events.TypeAutoConnectStatus {
			statuses = append(statuses, ev.Status)
		}
	}
	assert.Equal(t, []string{"Connecting", "Failed", "Connected", "Off"}, statuses)
}

func TestAssignAutoConnect(t *testing.T) {
	s, _, _ := newTestStore(t)

	a := s.AssignAutoConnect("sip:100@pbx", "<sip:200@PBX>")
	assert.Equal(t, "sip:200@pbx", a.AutoConnectContact)
	c, ok := s.Contact("sip:200@pbx")
	require.True(t, ok)
	assert.Equal(t, "sip:100@pbx", c.AssignedAccount)

	s.AssignAutoConnect("sip:100@pbx", "sip:300@pbx")
	c, _ = s.Contact("sip:200@pbx")
	assert.Empty(t, c.AssignedAccount, "previous contact is released")

	a = s.AssignAutoConnect("sip:100@pbx", "")
	assert.Empty(t, a.AutoConnectContact)
}

func TestDisableContactResetsStatus(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.SetContactEnabled("sip:200@pbx", true)
	s.SetContactStatus("sip:200@pbx", model.ConnectFailed)

	c := s.SetContactEnabled("sip:200@pbx", false)
	assert.False(t, c.Enabled)
	assert.Equal(t, model.ConnectOff, c.Status)
}

func TestResetCalls(t *testing.T) {
	s, _, rec := newTestStore(t)
	s.UpsertAccount("sip:100@pbx", model.AccountUpdate{Registered: ptr(true)})
	s.UpsertAccount("sip:101@pbx", model.AccountUpdate{Registered: ptr(true)})
	s.AssignAutoConnect("sip:100@pbx", "sip:200@pbx")
	s.Apply(extract.SetCallState{CallID: "c1", LocalURI: "sip:100@pbx", RemoteURI: "sip:200@pbx", State: model.CallStateEstablished})
	s.Apply(extract.SetCallState{CallID: "c2", LocalURI: "sip:101@pbx", RemoteURI: "sip:300@pbx", State: model.CallStateRinging})
	rec.reset()

	s.ResetCalls()

	assert.Empty(t, s.Calls())
	for _, a := range s.Accounts() {
		assert.Equal(t, model.CallStatusIdle, a.CallStatus, a.URI)
		assert.Empty(t, a.CallID)
	}
	c, _ := s.Contact("sip:200@pbx")
	assert.Equal(t, model.ConnectOff, c.Status)

	removed := 0
	for _, ev := range rec.events {
		if ev.Type == events.TypeCallRemoved {
			removed++
		}
	}
	assert.Equal(t, 2, removed)
}

func TestConnectionStatus(t *testing.T) {
	s, clk, rec := newTestStore(t)
	assert.False(t, s.Connected())

	clk.Advance(time.Second)
	s.SetConnection(model.ConnectionStatus{Connected: true, State: model.ConnStateConnected})
	conn := s.Connection()
	assert.True(t, conn.Connected)
	assert.Equal(t, epoch.Add(time.Second), conn.Since)

	s.Apply(extract.SetSystemInfo{Fields: map[string]string{"version": "3.10.1"}})
	assert.Equal(t, "3.10.1", s.SystemInfo()["version"])

	require.Len(t, rec.events, 2)
	assert.Equal(t, events.TypeBaresipStatus, rec.events[1].Type)
	assert.Equal(t, "3.10.1", rec.events[1].SystemInfo["version"])

	snap := s.Snapshot()
	assert.True(t, snap.Connection.Connected)
	assert.Equal(t, "3.10.1", snap.SystemInfo["version"])
}

func TestLegacyCallStatus(t *testing.T) {
	s, _, _ := newTestStore(t)
	fx := s.Apply(extract.SetAccountCallStatus{URI: "sip:ghost@x", Status: model.CallStatusInCall})
	assert.True(t, fx.Empty())
	_, ok := s.Account("sip:ghost@x")
	assert.False(t, ok, "unknown accounts are not created")

	s.UpsertAccount("sip:a@x", model.AccountUpdate{})
	s.Apply(extract.SetAccountCallStatus{URI: "sip:a@x", Status: model.CallStatusInCall})
	fx = s.Apply(extract.SetAccountCallStatus{URI: "sip:a@x", Status: model.CallStatusIdle})
	assert.Equal(t, []string{"sip:a@x"}, fx.CallsEnded)
}

func TestLogHook(t *testing.T) {
	s, _, _ := newTestStore(t)
	hook := NewLogHook(s, "bridge", 4)

	hook.Write(slog.LevelWarn, "socket closed")
	hook.Write(slog.LevelError, "dial failed")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hook.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(s.Logs()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	logs := s.Logs()
	assert.Equal(t, "warn", logs[0].Level)
	assert.Equal(t, "bridge", logs[0].Source)
	assert.Equal(t, "dial failed", logs[1].Message)
}
