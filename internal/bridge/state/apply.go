package state

import (
	"fmt"
	"log/slog"

	"github.com/sebas/baresipbridge/internal/bridge/extract"
	"github.com/sebas/baresipbridge/internal/bridge/model"
)

// Effects reports the auto-connect triggers produced by a mutation.
type Effects struct {
	// CameOnline lists contacts whose presence changed to online.
	CameOnline []string
	// Registered lists accounts that reported a successful registration.
	Registered []string
	// CallsEnded lists accounts whose call just closed.
	CallsEnded []string
}

// Merge appends other to e.
func (e *Effects) Merge(other Effects) {
	e.CameOnline = append(e.CameOnline, other.CameOnline...)
	e.Registered = append(e.Registered, other.Registered...)
	e.CallsEnded = append(e.CallsEnded, other.CallsEnded...)
}

// Empty reports whether no trigger fired.
func (e Effects) Empty() bool {
	return len(e.CameOnline) == 0 && len(e.Registered) == 0 && len(e.CallsEnded) == 0
}

// Apply executes one extracted mutation.
func (s *Store) Apply(m extract.Mutation) Effects {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fx Effects
	switch m := m.(type) {
	case extract.UpsertAccount:
		s.applyUpsertAccount(m)
	case extract.SetAccountRegistered:
		s.applyRegistration(m, &fx)
	case extract.SetAccountCallStatus:
		s.applyCallStatus(m, &fx)
	case extract.SetCallState:
		s.applyCallState(m, &fx)
	case extract.SetPresence:
		contact := model.NormalizeURI(m.Contact)
		if contact != "" && s.setPresenceLocked(contact, m.Presence) {
			fx.CameOnline = append(fx.CameOnline, contact)
		}
	case extract.UpsertContacts:
		s.applyContacts(m, &fx)
	case extract.UpdateCallStats:
		s.applyCallStats(m)
	case extract.SetSystemInfo:
		s.sysInfo = copyMap(m.Fields)
		s.publish(s.build.BaresipStatus(s.conn, copyMap(s.sysInfo)))
	default:
		slog.Debug("[Store] Ignoring unknown mutation", "type", fmt.Sprintf("%T", m))
	}
	return fx
}

// ApplyAll executes mutations in order and merges their effects.
func (s *Store) ApplyAll(ms []extract.Mutation) Effects {
	var fx Effects
	for _, m := range ms {
		fx.Merge(s.Apply(m))
	}
	return fx
}

func (s *Store) applyUpsertAccount(m extract.UpsertAccount) {
	uri := model.NormalizeURI(m.URI)
	if uri == "" {
		return
	}
	var u model.AccountUpdate
	if m.DisplayName != "" {
		u.DisplayName = &m.DisplayName
	}
	if m.Configured {
		u.Configured = ptr(true)
	}
	if cur, ok := s.accounts[uri]; ok && u.DisplayName == nil && (u.Configured == nil || cur.Configured) {
		return
	}
	s.updateAccountLocked(uri, u)
}

func (s *Store) applyRegistration(m extract.SetAccountRegistered, fx *Effects) {
	uri := model.NormalizeURI(m.URI)
	if uri == "" {
		return
	}
	u := model.AccountUpdate{Registered: ptr(m.OK)}
	if m.OK {
		u.RegistrationError = ptr("")
		fx.Registered = append(fx.Registered, uri)
	} else if m.ErrorText != "" {
		cur, known := s.accounts[uri]
		if !m.Heuristic || !known || cur.RegistrationError == "" {
			u.RegistrationError = ptr(m.ErrorText)
		}
	}
	s.updateAccountLocked(uri, u)
}

func (s *Store) applyCallStatus(m extract.SetAccountCallStatus, fx *Effects) {
	uri := model.NormalizeURI(m.URI)
	cur, ok := s.accounts[uri]
	if !ok || cur.CallStatus == m.Status {
		return
	}
	u := model.AccountUpdate{CallStatus: ptr(m.Status)}
	if m.Status == model.CallStatusIdle {
		u.CallID = ptr("")
		u.AutoConnectStatus = ptr(model.ConnectOff)
		fx.CallsEnded = append(fx.CallsEnded, uri)
	}
	s.updateAccountLocked(uri, u)
}

func (s *Store) applyCallState(m extract.SetCallState, fx *Effects) {
	local := model.NormalizeURI(m.LocalURI)
	remote := model.NormalizeURI(m.RemoteURI)
	if remote == "" {
		remote = "unknown"
	}
	id := m.CallID
	if id == "" {
		id = model.SyntheticCallID(local, remote)
	}
	now := s.clock.Now()

	cur, exists := s.calls[id]
	if m.State == model.CallStateClosing {
		if exists && cur.State == model.CallStateClosing {
			return
		}
		if exists {
			if local == "" {
				local = cur.LocalURI
			}
			wasEstablished := cur.State == model.CallStateEstablished
			cur.State = model.CallStateClosing
			cur.EndTime = &now
			cur.Duration = int64(now.Sub(cur.StartTime).Seconds())
			s.calls[id] = cur
			s.publish(s.build.CallUpdated(cur))
			s.scheduleRemovalLocked(id)
			s.endCallForAccount(local, cur.RemoteURI, wasEstablished, fx)
			return
		}
		if m.Snapshot {
			return
		}
		s.endCallForAccount(local, remote, false, fx)
		return
	}

	// baresip reuses the id when a call to the same peer is set up again
	// inside the grace period. That is a new call. A call listing can lag
	// the close event, so only live events count.
	if exists && cur.State == model.CallStateClosing {
		if m.Snapshot {
			return
		}
		s.cancelRemovalLocked(id)
		delete(s.calls, id)
		s.publish(s.build.CallRemoved(cur))
		exists = false
		if local == "" {
			local = cur.LocalURI
		}
		if m.RemoteURI == "" {
			remote = cur.RemoteURI
		}
		if m.PeerName == "" {
			m.PeerName = cur.PeerName
		}
		if m.Direction == "" {
			m.Direction = cur.Direction
		}
	}

	if !exists {
		call := model.Call{
			ID:        id,
			LocalURI:  local,
			RemoteURI: remote,
			PeerName:  m.PeerName,
			State:     m.State,
			Direction: m.Direction,
			StartTime: now,
		}
		if call.Direction == "" {
			call.Direction = model.DirectionUnknown
		}
		if call.PeerName == "" {
			call.PeerName = model.UserPart(remote)
		}
		if m.State == model.CallStateEstablished {
			call.AnswerTime = &now
		}
		s.calls[id] = call
		s.publish(s.build.CallAdded(call))
		s.callActiveForAccount(call)
		return
	}

	if cur.State == m.State || !cur.State.CanTransitionTo(m.State) {
		return
	}
	cur.State = m.State
	if m.State == model.CallStateEstablished && cur.AnswerTime == nil {
		cur.AnswerTime = &now
	}
	if m.PeerName != "" {
		cur.PeerName = m.PeerName
	}
	s.calls[id] = cur
	s.publish(s.build.CallUpdated(cur))
	s.callActiveForAccount(cur)
}

// callActiveForAccount mirrors a live call onto its account and, when the
// peer is the account's bound contact, onto the auto-connect status.
func (s *Store) callActiveForAccount(c model.Call) {
	acct, ok := s.accounts[c.LocalURI]
	if !ok {
		if c.LocalURI == "" {
			return
		}
		acct = model.NewAccount(c.LocalURI)
	}
	u := model.AccountUpdate{
		CallStatus: ptr(model.StatusFor(c.State)),
		CallID:     ptr(c.ID),
	}
	if acct.AutoConnectContact != "" && sameParty(acct.AutoConnectContact, c.RemoteURI) {
		status := model.ConnectConnecting
		if c.State == model.CallStateEstablished {
			status = model.ConnectConnected
		}
		u.AutoConnectStatus = ptr(status)
		s.setContactStatusLocked(acct.AutoConnectContact, status)
	}
	s.updateAccountLocked(c.LocalURI, u)
}

func (s *Store) endCallForAccount(local, remote string, established bool, fx *Effects) {
	acct, ok := s.accounts[local]
	if !ok {
		return
	}
	if acct.AutoConnectContact != "" && sameParty(acct.AutoConnectContact, remote) {
		c := s.contactLocked(acct.AutoConnectContact)
		status := model.ConnectOff
		if c.Status == model.ConnectConnecting && !established {
			status = model.ConnectFailed
		}
		s.setContactStatusLocked(acct.AutoConnectContact, status)
	}
	s.updateAccountLocked(local, model.AccountUpdate{
		CallStatus:        ptr(model.CallStatusIdle),
		CallID:            ptr(""),
		AutoConnectStatus: ptr(model.ConnectOff),
	})
	fx.CallsEnded = append(fx.CallsEnded, local)
}

func (s *Store) applyContacts(m extract.UpsertContacts, fx *Effects) {
	for _, e := range m.Entries {
		uri := model.NormalizeURI(e.URI)
		if uri == "" {
			continue
		}
		c := s.contactLocked(uri)
		if e.Name != "" {
			c.Name = e.Name
		}
		s.contacts[uri] = c
		if e.Presence != "" {
			prev, known := s.presence[uri]
			s.presence[uri] = e.Presence
			if e.Presence == model.PresenceOnline && (!known || prev != model.PresenceOnline) {
				fx.CameOnline = append(fx.CameOnline, uri)
			}
		}
	}
	s.publish(s.build.ContactsUpdate(s.contactsLocked()))
}

func (s *Store) applyCallStats(m extract.UpdateCallStats) {
	id := m.CallID
	if id == "" {
		active := s.activeCallsLocked()
		if len(active) != 1 {
			// Counters without a call id cannot be attributed when
			// several calls share the socket.
			slog.Debug("[Store] Dropping call stats without call id", "activeCalls", len(active))
			return
		}
		id = active[0]
	}
	c, ok := s.calls[id]
	if !ok {
		slog.Debug("[Store] Dropping stats for unknown call", "callId", id)
		return
	}

	if m.Codec != nil {
		codec := *m.Codec
		c.AudioCodec = &codec
	}
	if len(m.Codecs) > 0 {
		c.Codecs = append([]model.Codec(nil), m.Codecs...)
	}
	if m.Rx != nil {
		rx := *m.Rx
		c.AudioRx = &rx
	}
	if m.Tx != nil {
		tx := *m.Tx
		c.AudioTx = &tx
	}
	if c.State == model.CallStateEstablished {
		c.Duration = int64(s.clock.Now().Sub(c.StartTime).Seconds())
	}
	s.calls[id] = c
	s.publish(s.build.CallUpdated(c))
}

// sameParty compares two SIP URIs by full URI or, failing that, by user
// part, since the softphone reports peers with or without a domain.
func sameParty(a, b string) bool {
	a, b = model.NormalizeURI(a), model.NormalizeURI(b)
	if a == b {
		return true
	}
	ua, ub := model.UserPart(a), model.UserPart(b)
	return ua != "" && ua == ub
}
