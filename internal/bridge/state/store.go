// Package state owns the bridge's view of accounts, contacts, calls and
// the diagnostic log. Every mutation is broadcast to the configured sink
// before the mutating call returns, in mutation order.
package state

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sebas/baresipbridge/internal/bridge/events"
	"github.com/sebas/baresipbridge/internal/bridge/model"
)

// Config holds store tuning.
type Config struct {
	// LogSize caps the diagnostic ring.
	LogSize int
	// CallGrace is how long a closed call stays visible before removal.
	CallGrace time.Duration
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		LogSize:   1000,
		CallGrace: time.Second,
	}
}

// Store is the single owner of observable bridge state. Reads return
// copies; writes go through the mutation methods or Apply.
type Store struct {
	mu    sync.Mutex
	clock clockwork.Clock
	sink  events.Sink
	build *events.Builder
	cfg   Config

	accounts map[string]model.Account
	contacts map[string]model.Contact
	presence map[string]model.Presence
	calls    map[string]model.Call
	removals map[string]clockwork.Timer

	logs   *Ring[model.LogEntry]
	logSeq uint64

	conn    model.ConnectionStatus
	sysInfo map[string]string
}

// New creates an empty store. A nil sink discards broadcasts.
func New(c clockwork.Clock, sink events.Sink, cfg Config) *Store {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	if sink == nil {
		sink = events.NoopSink{}
	}
	if cfg.LogSize <= 0 {
		cfg.LogSize = DefaultConfig().LogSize
	}
	return &Store{
		clock:    c,
		sink:     sink,
		build:    events.NewBuilder(c),
		cfg:      cfg,
		accounts: make(map[string]model.Account),
		contacts: make(map[string]model.Contact),
		presence: make(map[string]model.Presence),
		calls:    make(map[string]model.Call),
		removals: make(map[string]clockwork.Timer),
		logs:     NewRing[model.LogEntry](cfg.LogSize),
		conn: model.ConnectionStatus{
			State: model.ConnStateDisconnected,
			Since: c.Now(),
		},
	}
}

func (s *Store) publish(ev events.Event) {
	s.sink.Publish(ev)
}

// --- accounts ---

// updateAccountLocked merges u into the account at uri, creating it on
// first observation, and broadcasts the result.
func (s *Store) updateAccountLocked(uri string, u model.AccountUpdate) model.Account {
	cur, ok := s.accounts[uri]
	if !ok {
		cur = model.NewAccount(uri)
	}
	next := cur.Merge(u, s.clock.Now())
	s.accounts[uri] = next
	s.publish(s.build.AccountStatus(next))
	return next
}

// UpsertAccount applies a partial update to an account, creating it if
// needed, and returns the new value.
func (s *Store) UpsertAccount(uri string, u model.AccountUpdate) model.Account {
	uri = model.NormalizeURI(uri)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateAccountLocked(uri, u)
}

// UpdateCallStatus sets an existing account's call status. Unknown
// accounts are ignored.
func (s *Store) UpdateCallStatus(uri string, status model.CallStatus) bool {
	uri = model.NormalizeURI(uri)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[uri]; !ok {
		return false
	}
	u := model.AccountUpdate{CallStatus: &status}
	if status == model.CallStatusIdle {
		u.CallID = ptr("")
	}
	s.updateAccountLocked(uri, u)
	return true
}

// Account returns a copy of one account.
func (s *Store) Account(uri string) (model.Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[model.NormalizeURI(uri)]
	return a, ok
}

// Accounts returns all accounts ordered by SIP number, then URI.
func (s *Store) Accounts() []model.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountsLocked()
}

func (s *Store) accountsLocked() []model.Account {
	out := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	model.SortAccounts(out)
	return out
}

// --- contacts and presence ---

// SetPresence records a contact's presence and reports whether it
// changed to online.
func (s *Store) SetPresence(contact string, p model.Presence) (cameOnline bool) {
	contact = model.NormalizeURI(contact)
	if contact == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setPresenceLocked(contact, p)
}

func (s *Store) setPresenceLocked(contact string, p model.Presence) bool {
	prev, known := s.presence[contact]
	s.presence[contact] = p
	s.publish(s.build.Presence(contact, p))
	return p == model.PresenceOnline && (!known || prev != model.PresenceOnline)
}

// Presence returns a contact's last known presence.
func (s *Store) Presence(contact string) model.Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.presence[model.NormalizeURI(contact)]; ok {
		return p
	}
	return model.PresenceUnknown
}

// SetContactEnabled arms or disarms auto-connect for a contact, creating
// the contact entry if needed. Disarming resets its status to Off.
func (s *Store) SetContactEnabled(contact string, enabled bool) model.Contact {
	contact = model.NormalizeURI(contact)
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.contactLocked(contact)
	c.Enabled = enabled
	s.contacts[contact] = c
	if !enabled {
		s.setContactStatusLocked(contact, model.ConnectOff)
	}
	s.publish(s.build.ContactsUpdate(s.contactsLocked()))
	return s.withPresence(s.contacts[contact])
}

// SetContactStatus records a contact's auto-connect status.
func (s *Store) SetContactStatus(contact string, status model.ConnectStatus) {
	contact = model.NormalizeURI(contact)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setContactStatusLocked(contact, status)
}

func (s *Store) setContactStatusLocked(contact string, status model.ConnectStatus) {
	c := s.contactLocked(contact)
	if _, exists := s.contacts[contact]; exists && c.Status == status {
		return
	}
	c.Status = status
	s.contacts[contact] = c
	s.publish(s.build.AutoConnectStatus(contact, status))
}

// contactLocked returns the stored contact or a fresh default.
func (s *Store) contactLocked(uri string) model.Contact {
	if c, ok := s.contacts[uri]; ok {
		return c
	}
	return model.Contact{
		URI:    uri,
		Name:   model.UserPart(uri),
		Status: model.ConnectOff,
	}
}

func (s *Store) withPresence(c model.Contact) model.Contact {
	c.Presence = model.PresenceUnknown
	if p, ok := s.presence[c.URI]; ok {
		c.Presence = p
	}
	return c
}

// Contact returns a copy of one contact with its presence filled in.
func (s *Store) Contact(uri string) (model.Contact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[model.NormalizeURI(uri)]
	if !ok {
		return model.Contact{}, false
	}
	return s.withPresence(c), true
}

// Contacts returns all contacts ordered by name, then URI.
func (s *Store) Contacts() []model.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contactsLocked()
}

func (s *Store) contactsLocked() []model.Contact {
	out := make([]model.Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		out = append(out, s.withPresence(c))
	}
	sort.Slice(out, func(i, j int) bool {
		ni, nj := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if ni != nj {
			return ni < nj
		}
		return out[i].URI < out[j].URI
	})
	return out
}

// AssignAutoConnect binds account to contact, or clears the binding when
// contact is empty. The previous contact loses its assignment.
func (s *Store) AssignAutoConnect(account, contact string) model.Account {
	account = model.NormalizeURI(account)
	contact = model.NormalizeURI(contact)
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.accounts[account].AutoConnectContact
	if prev != "" && prev != contact {
		if c, ok := s.contacts[prev]; ok && c.AssignedAccount == account {
			c.AssignedAccount = ""
			s.contacts[prev] = c
		}
	}
	if contact != "" {
		c := s.contactLocked(contact)
		c.AssignedAccount = account
		s.contacts[contact] = c
	}
	if prev != contact {
		s.publish(s.build.ContactsUpdate(s.contactsLocked()))
	}

	return s.updateAccountLocked(account, model.AccountUpdate{
		AutoConnectContact: &contact,
		AutoConnectStatus:  ptr(model.ConnectOff),
	})
}

// --- calls ---

// Call returns a copy of one call.
func (s *Store) Call(id string) (model.Call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	return c.Clone(), ok
}

// Calls returns all tracked calls, oldest first.
func (s *Store) Calls() []model.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callsLocked()
}

func (s *Store) callsLocked() []model.Call {
	out := make([]model.Call, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ActiveCallCount returns the number of calls that are not closing.
func (s *Store) ActiveCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activeCallsLocked())
}

func (s *Store) activeCallsLocked() []string {
	var ids []string
	for id, c := range s.calls {
		if c.State != model.CallStateClosing {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Store) scheduleRemovalLocked(id string) {
	s.cancelRemovalLocked(id)
	if s.cfg.CallGrace <= 0 {
		s.removeCallLocked(id)
		return
	}
	var timer clockwork.Timer
	timer = s.clock.AfterFunc(s.cfg.CallGrace, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		// A stopped timer may still fire once; only the current one counts.
		if s.removals[id] != timer {
			return
		}
		delete(s.removals, id)
		if c, ok := s.calls[id]; ok && c.State == model.CallStateClosing {
			s.removeCallLocked(id)
		}
	})
	s.removals[id] = timer
}

func (s *Store) cancelRemovalLocked(id string) {
	if t, ok := s.removals[id]; ok {
		t.Stop()
		delete(s.removals, id)
	}
}

func (s *Store) removeCallLocked(id string) {
	c, ok := s.calls[id]
	if !ok {
		return
	}
	delete(s.calls, id)
	s.publish(s.build.CallRemoved(c))
}

// --- connection, system info, logs ---

// SetConnection replaces the control-socket status.
func (s *Store) SetConnection(status model.ConnectionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status.State != s.conn.State || status.Since.IsZero() {
		status.Since = s.clock.Now()
	}
	s.conn = status
	s.publish(s.build.BaresipStatus(s.conn, copyMap(s.sysInfo)))
}

// Connection returns the control-socket status.
func (s *Store) Connection() model.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Connected reports whether the control socket is up.
func (s *Store) Connected() bool {
	return s.Connection().Connected
}

// SetSystemInfo replaces the softphone's system information.
func (s *Store) SetSystemInfo(fields map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sysInfo = copyMap(fields)
	s.publish(s.build.BaresipStatus(s.conn, copyMap(s.sysInfo)))
}

// SystemInfo returns the last reported system information.
func (s *Store) SystemInfo() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyMap(s.sysInfo)
}

// AddLog appends to the diagnostic ring.
func (s *Store) AddLog(level, source, message string) model.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logSeq++
	entry := model.LogEntry{
		Seq:     s.logSeq,
		Time:    s.clock.Now(),
		Level:   level,
		Source:  source,
		Message: message,
	}
	s.logs.Push(entry)
	s.publish(s.build.Log(entry))
	return entry
}

// Logs returns the ring contents, oldest first.
func (s *Store) Logs() []model.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logs.Items()
}

// ClearLogs empties the ring.
func (s *Store) ClearLogs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs.Clear()
	slog.Debug("[Store] Log ring cleared")
}

// Snapshot returns the full observable state.
func (s *Store) Snapshot() model.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() model.Snapshot {
	return model.Snapshot{
		Accounts:   s.accountsLocked(),
		Contacts:   s.contactsLocked(),
		Calls:      s.callsLocked(),
		Connection: s.conn,
		SystemInfo: copyMap(s.sysInfo),
	}
}

// Subscribe calls attach with the current snapshot while holding the
// store lock. A sink subscription registered inside attach sees every
// later broadcast and none that the snapshot already covers. attach must
// not block or call back into the store.
func (s *Store) Subscribe(attach func(model.Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attach(s.snapshotLocked())
}

// ResetCalls drops every tracked call and returns all accounts to Idle.
// It runs when the control socket is lost, since call state cannot be
// trusted across a reconnect.
func (s *Store) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.removals {
		s.cancelRemovalLocked(id)
	}
	for _, c := range s.callsLocked() {
		delete(s.calls, c.ID)
		s.publish(s.build.CallRemoved(c))
	}

	for _, a := range s.accountsLocked() {
		if a.CallStatus == model.CallStatusIdle && a.CallID == "" &&
			a.AutoConnectStatus == model.ConnectOff {
			continue
		}
		s.updateAccountLocked(a.URI, model.AccountUpdate{
			CallStatus:        ptr(model.CallStatusIdle),
			CallID:            ptr(""),
			AutoConnectStatus: ptr(model.ConnectOff),
		})
	}

	for uri, c := range s.contacts {
		if c.Status == model.ConnectConnecting || c.Status == model.ConnectConnected {
			s.setContactStatusLocked(uri, model.ConnectOff)
		}
	}
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func ptr[T any](v T) *T { return &v }
