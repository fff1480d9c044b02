// Package events defines the broadcast stream observers consume and the
// sinks that deliver it.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/sebas/baresipbridge/internal/bridge/model"
)

// Type discriminates broadcast events.
type Type string

const (
	TypeInit              Type = "init"
	TypeAccountStatus     Type = "accountStatus"
	TypeContactsUpdate    Type = "contactsUpdate"
	TypeCallAdded         Type = "callAdded"
	TypeCallUpdated       Type = "callUpdated"
	TypeCallRemoved       Type = "callRemoved"
	TypePresence          Type = "presence"
	TypeAutoConnectStatus Type = "autoConnectStatus"
	TypeLog               Type = "log"
	TypeBaresipStatus     Type = "baresipStatus"
)

// Event is one state change. Only the fields relevant to Type are set.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Account  *model.Account  `json:"account,omitempty"`
	Contacts []model.Contact `json:"contacts,omitempty"`
	Call     *model.Call     `json:"call,omitempty"`

	// Contact and Status carry presence and auto-connect transitions.
	Contact string `json:"contact,omitempty"`
	Status  string `json:"status,omitempty"`

	Log        *model.LogEntry         `json:"log,omitempty"`
	Connection *model.ConnectionStatus `json:"connection,omitempty"`
	SystemInfo map[string]string       `json:"systemInfo,omitempty"`
	Snapshot   *model.Snapshot         `json:"snapshot,omitempty"`
}

// MarshalJSON always writes "contacts" on a contactsUpdate, as an empty
// list when there are none. Other types omit it.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	if e.Type != TypeContactsUpdate {
		return json.Marshal(plain(e))
	}
	contacts := e.Contacts
	if contacts == nil {
		contacts = []model.Contact{}
	}
	return json.Marshal(struct {
		plain
		Contacts []model.Contact `json:"contacts"`
	}{plain(e), contacts})
}

// Builder stamps events with an ID and the current time.
type Builder struct {
	clock clockwork.Clock
}

// NewBuilder creates an event builder. A nil clock uses wall time.
func NewBuilder(c clockwork.Clock) *Builder {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	return &Builder{clock: c}
}

func (b *Builder) newEvent(t Type) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: b.clock.Now().UTC(),
	}
}

// AccountStatus reports the new value of an account.
func (b *Builder) AccountStatus(a model.Account) Event {
	ev := b.newEvent(TypeAccountStatus)
	ev.Account = &a
	return ev
}

// ContactsUpdate reports the full contact list.
func (b *Builder) ContactsUpdate(contacts []model.Contact) Event {
	ev := b.newEvent(TypeContactsUpdate)
	ev.Contacts = contacts
	if ev.Contacts == nil {
		ev.Contacts = []model.Contact{}
	}
	return ev
}

// CallAdded reports a newly tracked call.
func (b *Builder) CallAdded(c model.Call) Event {
	return b.call(TypeCallAdded, c)
}

// CallUpdated reports a change to a tracked call.
func (b *Builder) CallUpdated(c model.Call) Event {
	return b.call(TypeCallUpdated, c)
}

// CallRemoved reports that a call is no longer tracked.
func (b *Builder) CallRemoved(c model.Call) Event {
	return b.call(TypeCallRemoved, c)
}

func (b *Builder) call(t Type, c model.Call) Event {
	ev := b.newEvent(t)
	c = c.Clone()
	ev.Call = &c
	return ev
}

// Presence reports a contact's presence.
func (b *Builder) Presence(contact string, p model.Presence) Event {
	ev := b.newEvent(TypePresence)
	ev.Contact = contact
	ev.Status = string(p)
	return ev
}

// AutoConnectStatus reports a contact's auto-connect state.
func (b *Builder) AutoConnectStatus(contact string, s model.ConnectStatus) Event {
	ev := b.newEvent(TypeAutoConnectStatus)
	ev.Contact = contact
	ev.Status = string(s)
	return ev
}

// Log reports a new diagnostic line.
func (b *Builder) Log(entry model.LogEntry) Event {
	ev := b.newEvent(TypeLog)
	ev.Log = &entry
	return ev
}

// BaresipStatus reports the control connection and softphone info.
func (b *Builder) BaresipStatus(conn model.ConnectionStatus, sysInfo map[string]string) Event {
	ev := b.newEvent(TypeBaresipStatus)
	ev.Connection = &conn
	ev.SystemInfo = sysInfo
	return ev
}

// Init wraps a full snapshot for a newly connected observer.
func (b *Builder) Init(s model.Snapshot) Event {
	ev := b.newEvent(TypeInit)
	ev.Snapshot = &s
	return ev
}
