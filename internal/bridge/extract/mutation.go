// Package extract turns classified control-socket messages into state
// mutations. Extractors are pure: they never touch the store and can be
// tested against literal protocol samples.
package extract

import "github.com/sebas/baresipbridge/internal/bridge/model"

// Mutation is a structured intent for the state store.
type Mutation interface {
	mutation()
}

// UpsertAccount records that an account exists.
type UpsertAccount struct {
	URI         string
	DisplayName string
	Configured  bool
}

// SetAccountRegistered reports a registration outcome. OK clears any
// error. A failure with empty ErrorText leaves the current error alone.
// Heuristic marks error text synthesized from a status snapshot; it never
// replaces text that came from a live event.
type SetAccountRegistered struct {
	URI       string
	OK        bool
	ErrorText string
	Heuristic bool
}

// SetAccountCallStatus is emitted by legacy text output that names an
// account but no call.
type SetAccountCallStatus struct {
	URI    string
	Status model.CallStatus
}

// SetCallState creates or advances a call. Snapshot is set when the
// source is a call listing rather than a live event.
type SetCallState struct {
	CallID    string
	LocalURI  string
	RemoteURI string
	PeerName  string
	State     model.CallState
	Direction model.Direction
	Snapshot  bool
}

// SetPresence updates a contact's presence.
type SetPresence struct {
	Contact  string
	Presence model.Presence
}

// ContactEntry is one line of a contact directory dump. An empty
// Presence means the line carried no status.
type ContactEntry struct {
	URI      string
	Name     string
	Presence model.Presence
}

// UpsertContacts merges a directory dump into the contact list.
type UpsertContacts struct {
	Entries []ContactEntry
}

// UpdateCallStats attaches codec or RTCP counters to a call. An empty
// CallID asks the store to infer the sole active call.
type UpdateCallStats struct {
	CallID string
	Codec  *model.Codec
	Codecs []model.Codec
	Rx     *model.StreamStats
	Tx     *model.StreamStats
}

// SetSystemInfo replaces the softphone's system information.
type SetSystemInfo struct {
	Fields map[string]string
}

func (UpsertAccount) mutation()        {}
func (SetAccountRegistered) mutation() {}
func (SetAccountCallStatus) mutation() {}
func (SetCallState) mutation()         {}
func (SetPresence) mutation()          {}
func (UpsertContacts) mutation()       {}
func (UpdateCallStats) mutation()      {}
func (SetSystemInfo) mutation()        {}
