// Package autoconnect serializes account-select-then-action sequences
// on the control socket. baresip keeps an implicit "current account"
// selection, so two sequences must never interleave: every sequence goes
// through one FIFO that runs an entry, waits a fixed spacing and only
// then runs the next.
package autoconnect

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sebas/baresipbridge/internal/bridge/model"
	"github.com/sebas/baresipbridge/internal/bridge/protocol"
)

// Sender issues control-socket commands.
type Sender interface {
	Send(command, params, token string) error
}

// Store is the read side of the state store the scheduler consults.
type Store interface {
	Account(uri string) (model.Account, bool)
	Accounts() []model.Account
	Contact(uri string) (model.Contact, bool)
	Presence(contact string) model.Presence
}

// Observer is notified of scheduler activity.
type Observer interface {
	// Executed is called when a sequence's select command went out.
	Executed(action Action, account, target string)
	// Dropped is called when a queued entry is discarded unexecuted.
	Dropped(action Action, account, target, reason string)
}

// Action is the command that follows account selection.
type Action int

const (
	// ActionAutoConnect dials the bound contact after re-validating the account.
	ActionAutoConnect Action = iota
	// ActionDial dials a user-supplied target.
	ActionDial
	// ActionHangup hangs up the account's call.
	ActionHangup
)

// String returns the action name
func (a Action) String() string {
	switch a {
	case ActionAutoConnect:
		return "autoconnect"
	case ActionDial:
		return "dial"
	case ActionHangup:
		return "hangup"
	default:
		return "unknown"
	}
}

// Config holds scheduler timing.
type Config struct {
	// Spacing separates the start of consecutive entries.
	Spacing time.Duration
	// SelectDelay separates the select command from the action.
	SelectDelay time.Duration
}

// DefaultConfig returns the production timing.
func DefaultConfig() Config {
	return Config{
		Spacing:     500 * time.Millisecond,
		SelectDelay: 150 * time.Millisecond,
	}
}

type entry struct {
	action  Action
	account string
	target  string
	params  string
}

// Scheduler is the single global FIFO of select-then-action sequences.
type Scheduler struct {
	cfg      Config
	clock    clockwork.Clock
	sender   Sender
	store    Store
	observer Observer

	mu     sync.Mutex
	queue  []entry
	queued map[string]bool // accounts waiting for auto-connect
	busy   bool
}

// New creates a scheduler. observer may be nil.
func New(cfg Config, c clockwork.Clock, sender Sender, store Store, observer Observer) *Scheduler {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	return &Scheduler{
		cfg:      cfg,
		clock:    c,
		sender:   sender,
		store:    store,
		observer: observer,
		queued:   make(map[string]bool),
	}
}

// Len returns the number of waiting entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// CheckContact enqueues an auto-connect for the first eligible account
// bound to contact. It reports whether an entry was queued.
func (s *Scheduler) CheckContact(contact string) bool {
	contact = model.NormalizeURI(contact)
	if reason := s.contactReady(contact); reason != "" {
		slog.Debug("[AutoConnect] Contact not ready", "contact", contact, "reason", reason)
		return false
	}
	for _, a := range s.store.Accounts() {
		if a.AutoConnectContact != contact {
			continue
		}
		if reason := accountReady(a); reason != "" {
			slog.Debug("[AutoConnect] Account not eligible", "account", a.URI, "contact", contact, "reason", reason)
			continue
		}
		if s.enqueueAutoConnect(a.URI, contact) {
			return true
		}
	}
	return false
}

// CheckAccount enqueues an auto-connect for account if it is bound to a
// contact that is armed and online.
func (s *Scheduler) CheckAccount(account string) bool {
	a, ok := s.store.Account(account)
	if !ok {
		return false
	}
	if a.AutoConnectContact == "" {
		return false
	}
	if reason := accountReady(a); reason != "" {
		slog.Debug("[AutoConnect] Account not eligible", "account", a.URI, "reason", reason)
		return false
	}
	if reason := s.contactReady(a.AutoConnectContact); reason != "" {
		slog.Debug("[AutoConnect] Contact not ready", "account", a.URI, "contact", a.AutoConnectContact, "reason", reason)
		return false
	}
	return s.enqueueAutoConnect(a.URI, a.AutoConnectContact)
}

func accountReady(a model.Account) string {
	switch {
	case !a.Registered:
		return "not registered"
	case !a.Idle():
		return "not idle"
	default:
		return ""
	}
}

func (s *Scheduler) contactReady(contact string) string {
	c, ok := s.store.Contact(contact)
	switch {
	case !ok || !c.Enabled:
		return "auto-connect disabled"
	case s.store.Presence(contact) != model.PresenceOnline:
		return "not online"
	default:
		return ""
	}
}

func (s *Scheduler) enqueueAutoConnect(account, contact string) bool {
	s.mu.Lock()
	if s.queued[account] {
		s.mu.Unlock()
		slog.Debug("[AutoConnect] Account already queued", "account", account)
		return false
	}
	s.queued[account] = true
	s.mu.Unlock()

	slog.Info("[AutoConnect] Queueing auto-connect", "account", account, "contact", contact)
	s.enqueue(entry{action: ActionAutoConnect, account: account, target: contact})
	return true
}

// Dial queues select-account-then-dial for a user request.
func (s *Scheduler) Dial(account, target string) {
	s.enqueue(entry{action: ActionDial, account: model.NormalizeURI(account), target: target})
}

// Hangup queues select-account-then-hangup. callID may be empty to hang
// up the account's current call.
func (s *Scheduler) Hangup(account, callID string) {
	s.enqueue(entry{action: ActionHangup, account: model.NormalizeURI(account), params: callID})
}

func (s *Scheduler) enqueue(e entry) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	start := !s.busy
	s.busy = true
	s.mu.Unlock()

	if start {
		s.next()
	}
}

// next runs queue entries until one executes, then arms the spacing
// timer. Dropped entries do not consume a slot.
func (s *Scheduler) next() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.busy = false
			s.mu.Unlock()
			return
		}
		e := s.queue[0]
		s.queue = s.queue[1:]
		if e.action == ActionAutoConnect {
			delete(s.queued, e.account)
		}
		s.mu.Unlock()

		if s.run(e) {
			s.clock.AfterFunc(s.cfg.Spacing, s.next)
			return
		}
	}
}

// run executes one entry and reports whether it issued any command.
func (s *Scheduler) run(e entry) bool {
	if e.action == ActionAutoConnect {
		a, ok := s.store.Account(e.account)
		if !ok || !a.Idle() {
			slog.Warn("[AutoConnect] Skipping stale entry, account no longer idle", "account", e.account, "contact", e.target)
			s.dropped(e, "not idle")
			return false
		}
		if a.AutoConnectContact != e.target {
			slog.Warn("[AutoConnect] Skipping stale entry, binding changed", "account", e.account, "contact", e.target)
			s.dropped(e, "binding changed")
			return false
		}
	}

	slog.Info("[AutoConnect] Selecting account", "action", e.action.String(), "account", e.account, "target", e.target)
	if err := s.sender.Send(protocol.CmdUAFind, e.account, ""); err != nil {
		s.dropped(e, "send failed")
		return false
	}
	if s.observer != nil {
		s.observer.Executed(e.action, e.account, e.target)
	}

	s.clock.AfterFunc(s.cfg.SelectDelay, func() {
		switch e.action {
		case ActionAutoConnect, ActionDial:
			slog.Info("[AutoConnect] Dialing", "account", e.account, "target", e.target)
			_ = s.sender.Send(protocol.CmdDial, e.target, "")
		case ActionHangup:
			slog.Info("[AutoConnect] Hanging up", "account", e.account, "callId", e.params)
			_ = s.sender.Send(protocol.CmdHangup, e.params, "")
		}
	})
	return true
}

func (s *Scheduler) dropped(e entry, reason string) {
	if s.observer != nil {
		s.observer.Dropped(e.action, e.account, e.target, reason)
	}
}
