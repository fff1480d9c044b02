// Package engine ties the inbound pipeline together (classify, extract,
// apply, trigger auto-connect) and exposes the command API used by the
// HTTP layer.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/baresipbridge/internal/bridge/assignments"
	"github.com/sebas/baresipbridge/internal/bridge/extract"
	"github.com/sebas/baresipbridge/internal/bridge/model"
	"github.com/sebas/baresipbridge/internal/bridge/protocol"
	"github.com/sebas/baresipbridge/internal/bridge/state"
)

var (
	// ErrEmptyCommand is returned when a raw command has no name.
	ErrEmptyCommand = errors.New("command required")

	// ErrUnknownAccount is returned for accounts the bridge has not seen.
	ErrUnknownAccount = errors.New("unknown account")

	// ErrInvalidTarget is returned for dial targets that are not valid SIP URIs.
	ErrInvalidTarget = errors.New("invalid dial target")
)

// Sender issues control-socket commands.
type Sender interface {
	Send(command, params, token string) error
}

// Scheduler runs select-then-action sequences.
type Scheduler interface {
	CheckContact(contact string) bool
	CheckAccount(account string) bool
	Dial(account, target string)
	Hangup(account, callID string)
}

// Persister saves auto-connect assignments.
type Persister interface {
	Save(f assignments.File) error
}

// Engine is the bridge core.
type Engine struct {
	store     *state.Store
	sender    Sender
	scheduler Scheduler
	persister Persister
}

// New creates an engine. persister may be nil.
func New(store *state.Store, sender Sender, scheduler Scheduler, persister Persister) *Engine {
	return &Engine{
		store:     store,
		sender:    sender,
		scheduler: scheduler,
		persister: persister,
	}
}

// HandleMessage processes one classified inbound message.
func (e *Engine) HandleMessage(msg protocol.Message) {
	e.logInbound(msg)

	mutations := extract.Extract(msg)
	if len(mutations) == 0 {
		return
	}
	fx := e.store.ApplyAll(mutations)
	e.trigger(fx)
}

func (e *Engine) logInbound(msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindText:
		line := strings.TrimSpace(extract.StripANSI(msg.Raw))
		if line == "" || extract.IsNoise(line) {
			return
		}
		e.store.AddLog("info", "baresip", line)
	case protocol.KindEvent:
		ev := msg.Event
		text := strings.TrimSpace(strings.Join([]string{
			"event", ev.Class, ev.Type, ev.Str("accountaor"), ev.Str("param"),
		}, " "))
		e.store.AddLog("debug", "baresip", text)
	}
}

func (e *Engine) trigger(fx state.Effects) {
	if e.scheduler == nil || fx.Empty() {
		return
	}
	for _, contact := range fx.CameOnline {
		e.scheduler.CheckContact(contact)
	}
	for _, account := range fx.Registered {
		e.scheduler.CheckAccount(account)
	}
	for _, account := range fx.CallsEnded {
		e.scheduler.CheckAccount(account)
	}
}

// RawCommand sends a command as typed by an operator. A command starting
// with "/" or containing a space without separate params is split into
// name and params. It returns the token used.
func (e *Engine) RawCommand(command, params, token string) (string, error) {
	command = strings.TrimSpace(command)
	if strings.HasPrefix(command, "/") || (params == "" && strings.Contains(command, " ")) {
		name, rest, _ := strings.Cut(strings.TrimPrefix(command, "/"), " ")
		command, params = name, strings.TrimSpace(rest)
	}
	if command == "" {
		return "", ErrEmptyCommand
	}
	if token == "" {
		token = extract.CommandToken(command, uuid.NewString())
	}

	slog.Info("[Engine] Raw command", "command", command, "params", params)
	if err := e.sender.Send(command, params, token); err != nil {
		return "", err
	}
	return token, nil
}

// Dial places a call from account to target.
func (e *Engine) Dial(account, target string) error {
	a, ok := e.store.Account(account)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, account)
	}
	target, err := normalizeTarget(target)
	if err != nil {
		return err
	}
	e.scheduler.Dial(a.URI, target)
	return nil
}

// Hangup ends account's current call.
func (e *Engine) Hangup(account string) error {
	a, ok := e.store.Account(account)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, account)
	}
	e.scheduler.Hangup(a.URI, a.CallID)
	return nil
}

// normalizeTarget accepts SIP URIs, bare user@host and plain numbers.
func normalizeTarget(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTarget)
	}
	if !strings.Contains(target, "@") && !strings.Contains(target, ":") {
		return target, nil
	}

	uri := model.NormalizeURI(target)
	var parsed sip.Uri
	if err := sip.ParseUri(uri, &parsed); err != nil || parsed.Host == "" {
		return "", fmt.Errorf("%w: %s", ErrInvalidTarget, target)
	}
	return uri, nil
}

// SetContactEnabled arms or disarms auto-connect for contact. Arming runs
// an immediate eligibility check.
func (e *Engine) SetContactEnabled(contact string, enabled bool) model.Contact {
	c := e.store.SetContactEnabled(contact, enabled)
	slog.Info("[Engine] Auto-connect toggled", "contact", c.URI, "enabled", enabled)
	e.persist()
	if enabled && e.scheduler != nil {
		e.scheduler.CheckContact(c.URI)
	}
	return c
}

// AssignAutoConnect binds account to contact, or clears the binding when
// contact is empty.
func (e *Engine) AssignAutoConnect(account, contact string) (model.Account, error) {
	if model.NormalizeURI(account) == "" {
		return model.Account{}, fmt.Errorf("%w: empty", ErrUnknownAccount)
	}
	a := e.store.AssignAutoConnect(account, contact)
	slog.Info("[Engine] Auto-connect assigned", "account", a.URI, "contact", a.AutoConnectContact)
	e.persist()
	if a.AutoConnectContact != "" && e.scheduler != nil {
		e.scheduler.CheckAccount(a.URI)
	}
	return a, nil
}

// Restore applies persisted assignments, e.g. at startup.
func (e *Engine) Restore(f assignments.File) {
	for _, b := range f.Bindings() {
		e.store.AssignAutoConnect(b.Account, b.Contact)
		if b.Enabled {
			e.store.SetContactEnabled(b.Contact, true)
		}
	}
	for _, contact := range f.EnabledContacts() {
		e.store.SetContactEnabled(contact, true)
	}
}

func (e *Engine) persist() {
	if e.persister == nil {
		return
	}
	f := assignments.FromState(e.store.Accounts(), e.store.Contacts())
	if err := e.persister.Save(f); err != nil {
		slog.Warn("[Engine] Failed to persist auto-connect assignments", "error", err)
	}
}
