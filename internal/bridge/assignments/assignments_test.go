package assignments

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/baresipbridge/internal/bridge/model"
)

func TestParseJSONC(t *testing.T) {
	data := []byte(`{
		// bindings maintained by ops
		"accounts": {
			"SIP:100@PBX": {"autoConnectContact": "<sip:200@pbx>", "enabled": true},
			"sip:101@pbx": {"autoConnectContact": "", "enabled": false},
		},
		"contacts": {"sip:300@pbx": {"enabled": true}},
	}`)

	f, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, []Binding{{Account: "sip:100@pbx", Contact: "sip:200@pbx", Enabled: true}}, f.Bindings())
	assert.Equal(t, []string{"sip:300@pbx"}, f.EnabledContacts())
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse([]byte(`{"accounts": [1, 2]}`))
	assert.True(t, errors.Is(err, ErrInvalidFile))
}

func TestFromState(t *testing.T) {
	accounts := []model.Account{
		{URI: "sip:100@pbx", AutoConnectContact: "sip:200@pbx"},
		{URI: "sip:101@pbx"},
	}
	contacts := []model.Contact{
		{URI: "sip:200@pbx", Enabled: true},
		{URI: "sip:300@pbx", Enabled: true},
		{URI: "sip:400@pbx"},
	}

	f := FromState(accounts, contacts)
	assert.Equal(t, map[string]AccountEntry{
		"sip:100@pbx": {AutoConnectContact: "sip:200@pbx", Enabled: true},
	}, f.Accounts)
	assert.Equal(t, map[string]ContactEntry{"sip:300@pbx": {Enabled: true}}, f.Contacts)
}

func TestFileStoreMissingFile(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "autoconnect.json"))
	f, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, f.Accounts)
}

func TestFileStoreSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "autoconnect.json")
	s := NewFileStore(path)

	want := Empty()
	want.Accounts["sip:100@pbx"] = AccountEntry{AutoConnectContact: "sip:200@pbx", Enabled: true}
	require.NoError(t, s.Save(want))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temporary file is renamed away")

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, want.Accounts, got.Accounts)
}

func TestFileStoreDisabled(t *testing.T) {
	s := NewFileStore("")
	require.NoError(t, s.Save(Empty()))
	f, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, f.Accounts)
}
