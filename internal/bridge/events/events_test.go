package events

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/baresipbridge/internal/bridge/model"
)

var epoch = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func TestBuilderStampsEvents(t *testing.T) {
	b := NewBuilder(clockwork.NewFakeClockAt(epoch))

	a := model.NewAccount("sip:alice@example.com")
	ev1 := b.AccountStatus(a)
	ev2 := b.AccountStatus(a)

	assert.Equal(t, TypeAccountStatus, ev1.Type)
	assert.Equal(t, epoch, ev1.Timestamp)
	assert.NotEmpty(t, ev1.ID)
	assert.NotEqual(t, ev1.ID, ev2.ID)
	require.NotNil(t, ev1.Account)
	assert.Equal(t, "sip:alice@example.com", ev1.Account.URI)
}

func TestEventJSONShape(t *testing.T) {
	b := NewBuilder(clockwork.NewFakeClockAt(epoch))
	data, err := json.Marshal(b.Presence("sip:bob@example.com", model.PresenceOnline))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "presence", m["type"])
	assert.Equal(t, "sip:bob@example.com", m["contact"])
	assert.Equal(t, "online", m["status"])
	assert.NotContains(t, m, "account")
	assert.NotContains(t, m, "call")
	assert.NotContains(t, m, "contacts")
}

func TestCallEventsAreCopies(t *testing.T) {
	b := NewBuilder(nil)
	call := model.Call{ID: "c1", AudioRx: &model.StreamStats{Packets: 1}}
	ev := b.CallUpdated(call)
	call.AudioRx.Packets = 50
	assert.Equal(t, int64(1), ev.Call.AudioRx.Packets)
}

func TestContactsUpdateNeverNull(t *testing.T) {
	ev := NewBuilder(nil).ContactsUpdate(nil)
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"contacts":[]`)
	assert.Equal(t, 1, strings.Count(string(data), `"contacts"`))

	// A hand-built event with a nil list gets the same treatment.
	data, err = json.Marshal(Event{Type: TypeContactsUpdate})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"contacts":[]`)

	full := NewBuilder(nil).ContactsUpdate([]model.Contact{{URI: "sip:a@b", Name: "A"}})
	data, err = json.Marshal(full)
	require.NoError(t, err)
	var back Event
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, TypeContactsUpdate, back.Type)
	require.Len(t, back.Contacts, 1)
	assert.Equal(t, "sip:a@b", back.Contacts[0].URI)
}

func TestMultiSinkIsolatesPanics(t *testing.T) {
	var got []Type
	multi := NewMultiSink(
		SinkFunc(func(Event) { panic("observer gone") }),
		SinkFunc(func(e Event) { got = append(got, e.Type) }),
	)
	multi.Publish(NewBuilder(nil).Log(model.LogEntry{Message: "x"}))
	assert.Equal(t, []Type{TypeLog}, got)
}

func TestHubFanOut(t *testing.T) {
	hub := NewHub(4)
	s1 := hub.Subscribe()
	s2 := hub.Subscribe()
	require.Equal(t, 2, hub.Count())

	hub.Publish(NewBuilder(nil).Presence("sip:a@b", model.PresenceAway))

	for _, s := range []*Subscription{s1, s2} {
		select {
		case ev := <-s.Events():
			assert.Equal(t, TypePresence, ev.Type)
		default:
			t.Fatal("subscriber did not receive event")
		}
	}

	s1.Close()
	s1.Close()
	assert.Equal(t, 1, hub.Count())
	_, open := <-s1.Events()
	assert.False(t, open)
}

func TestHubDropsDeadSubscriber(t *testing.T) {
	hub := NewHub(1)
	hub.maxDrops = 3
	dead := hub.Subscribe()
	live := hub.Subscribe()
	b := NewBuilder(nil)

	for i := 0; i < 4; i++ {
		hub.Publish(b.Log(model.LogEntry{Seq: uint64(i)}))
		// The live observer keeps up.
		<-live.Events()
	}

	assert.Equal(t, 1, hub.Count())
	// The dead observer still has its one buffered event, then sees close.
	_, ok := <-dead.Events()
	assert.True(t, ok)
	_, ok = <-dead.Events()
	assert.False(t, ok)
}
