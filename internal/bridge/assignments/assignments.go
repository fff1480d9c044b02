// Package assignments persists auto-connect bindings and enablement
// across restarts. The file is JSON and may carry // comments and
// trailing commas, since operators edit it by hand.
package assignments

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tidwall/jsonc"

	"github.com/sebas/baresipbridge/internal/bridge/model"
)

// ErrInvalidFile is returned when the file exists but cannot be parsed.
var ErrInvalidFile = errors.New("invalid auto-connect file")

// AccountEntry is the persisted binding of one account. Enabled mirrors
// the bound contact's auto-connect switch.
type AccountEntry struct {
	AutoConnectContact string `json:"autoConnectContact"`
	Enabled            bool   `json:"enabled"`
}

// ContactEntry is the persisted switch of a contact with no binding.
type ContactEntry struct {
	Enabled bool `json:"enabled"`
}

// File is the on-disk document.
type File struct {
	Accounts map[string]AccountEntry `json:"accounts"`
	Contacts map[string]ContactEntry `json:"contacts,omitempty"`
}

// Empty returns a document with no entries.
func Empty() File {
	return File{Accounts: map[string]AccountEntry{}}
}

// Parse decodes a JSONC document. Keys are normalized.
func Parse(data []byte) (File, error) {
	var raw File
	if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
		return Empty(), fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}

	f := Empty()
	for uri, e := range raw.Accounts {
		e.AutoConnectContact = model.NormalizeURI(e.AutoConnectContact)
		f.Accounts[model.NormalizeURI(uri)] = e
	}
	if len(raw.Contacts) > 0 {
		f.Contacts = make(map[string]ContactEntry, len(raw.Contacts))
		for uri, e := range raw.Contacts {
			f.Contacts[model.NormalizeURI(uri)] = e
		}
	}
	return f, nil
}

// FromState builds the document describing the current bindings.
func FromState(accounts []model.Account, contacts []model.Contact) File {
	f := Empty()
	enabled := make(map[string]bool, len(contacts))
	for _, c := range contacts {
		enabled[c.URI] = c.Enabled
	}

	bound := make(map[string]bool)
	for _, a := range accounts {
		if a.AutoConnectContact == "" {
			continue
		}
		f.Accounts[a.URI] = AccountEntry{
			AutoConnectContact: a.AutoConnectContact,
			Enabled:            enabled[a.AutoConnectContact],
		}
		bound[a.AutoConnectContact] = true
	}
	for _, c := range contacts {
		if c.Enabled && !bound[c.URI] {
			if f.Contacts == nil {
				f.Contacts = make(map[string]ContactEntry)
			}
			f.Contacts[c.URI] = ContactEntry{Enabled: true}
		}
	}
	return f
}

// Binding is one account-to-contact assignment.
type Binding struct {
	Account string
	Contact string
	Enabled bool
}

// Bindings lists the account assignments in account order.
func (f File) Bindings() []Binding {
	out := make([]Binding, 0, len(f.Accounts))
	for uri, e := range f.Accounts {
		if e.AutoConnectContact == "" {
			continue
		}
		out = append(out, Binding{Account: uri, Contact: e.AutoConnectContact, Enabled: e.Enabled})
	}
	sort.Slice(out, func(i, j int) bool { return model.LessURI(out[i].Account, out[j].Account) })
	return out
}

// EnabledContacts lists unbound contacts that are switched on.
func (f File) EnabledContacts() []string {
	var out []string
	for uri, e := range f.Contacts {
		if e.Enabled {
			out = append(out, uri)
		}
	}
	sort.Strings(out)
	return out
}

// FileStore reads and atomically rewrites the document at Path.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store for path. An empty path disables
// persistence.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the file location.
func (s *FileStore) Path() string { return s.path }

// Load reads the document. A missing file yields an empty document.
func (s *FileStore) Load() (File, error) {
	if s.path == "" {
		return Empty(), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("[Assignments] No auto-connect file, starting empty", "path", s.path)
		return Empty(), nil
	}
	if err != nil {
		return Empty(), fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return f, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	slog.Info("[Assignments] Loaded auto-connect file", "path", s.path, "accounts", len(f.Accounts))
	return f, nil
}

// Save writes the document through a temporary file and a rename.
func (s *FileStore) Save(f File) error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.Accounts == nil {
		f.Accounts = map[string]AccountEntry{}
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode auto-connect file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(s.path), err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}
	slog.Debug("[Assignments] Saved auto-connect file", "path", s.path)
	return nil
}
