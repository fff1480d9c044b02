package model

import (
	"strings"
	"time"
)

// ConnectStatus tracks an auto-connect attempt for an account or contact.
type ConnectStatus string

const (
	ConnectOff        ConnectStatus = "Off"
	ConnectConnecting ConnectStatus = "Connecting"
	ConnectConnected  ConnectStatus = "Connected"
	ConnectFailed     ConnectStatus = "Failed"
)

// Presence is a contact's observed reachability.
type Presence string

const (
	PresenceUnknown Presence = "unknown"
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
	PresenceBusy    Presence = "busy"
	PresenceAway    Presence = "away"
)

// ParsePresence normalizes the presence vocabularies seen on the control
// socket (PIDF basic status, module status names, UI labels).
func ParsePresence(s string) Presence {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online", "open", "available":
		return PresenceOnline
	case "offline", "closed":
		return PresenceOffline
	case "busy", "dnd", "on-the-phone":
		return PresenceBusy
	case "away":
		return PresenceAway
	default:
		return PresenceUnknown
	}
}

// Account is a local user agent as seen by the bridge.
type Account struct {
	URI                string        `json:"uri"`
	DisplayName        string        `json:"displayName,omitempty"`
	Registered         bool          `json:"registered"`
	RegistrationError  string        `json:"registrationError,omitempty"`
	CallStatus         CallStatus    `json:"callStatus"`
	CallID             string        `json:"callId,omitempty"`
	AutoConnectContact string        `json:"autoConnectContact,omitempty"`
	AutoConnectStatus  ConnectStatus `json:"autoConnectStatus"`
	Configured         bool          `json:"configured"`
	LastEvent          time.Time     `json:"lastEvent"`
}

// NewAccount returns an idle, unregistered account for uri.
func NewAccount(uri string) Account {
	return Account{
		URI:               NormalizeURI(uri),
		CallStatus:        CallStatusIdle,
		AutoConnectStatus: ConnectOff,
	}
}

// AccountUpdate is a partial account change. Nil fields keep their
// current value; a pointer to "" clears an optional string.
type AccountUpdate struct {
	DisplayName        *string
	Registered         *bool
	RegistrationError  *string
	CallStatus         *CallStatus
	CallID             *string
	AutoConnectContact *string
	AutoConnectStatus  *ConnectStatus
	Configured         *bool
}

// Merge applies u on top of a and stamps LastEvent. The stamp is
// strictly later than the previous one even if the clock has not moved.
func (a Account) Merge(u AccountUpdate, now time.Time) Account {
	if u.DisplayName != nil {
		a.DisplayName = *u.DisplayName
	}
	if u.Registered != nil {
		a.Registered = *u.Registered
	}
	if u.RegistrationError != nil {
		a.RegistrationError = *u.RegistrationError
	}
	if u.CallStatus != nil {
		a.CallStatus = *u.CallStatus
	}
	if u.CallID != nil {
		a.CallID = *u.CallID
	}
	if u.AutoConnectContact != nil {
		a.AutoConnectContact = NormalizeURI(*u.AutoConnectContact)
	}
	if u.AutoConnectStatus != nil {
		a.AutoConnectStatus = *u.AutoConnectStatus
	}
	if u.Configured != nil {
		a.Configured = *u.Configured
	}
	if !now.After(a.LastEvent) {
		now = a.LastEvent.Add(time.Nanosecond)
	}
	a.LastEvent = now
	return a
}

// Idle reports whether the account can place a call.
func (a Account) Idle() bool { return a.CallStatus == CallStatusIdle }

// Contact is a directory entry and its auto-connect configuration.
type Contact struct {
	URI             string        `json:"contact"`
	Name            string        `json:"name"`
	Enabled         bool          `json:"enabled"`
	Status          ConnectStatus `json:"status"`
	Presence        Presence      `json:"presence"`
	AssignedAccount string        `json:"assignedAccount,omitempty"`
}

// Codec describes an audio format negotiated for a call.
type Codec struct {
	PayloadType uint8             `json:"payloadType"`
	Name        string            `json:"codec"`
	ClockRate   uint32            `json:"sampleRate"`
	Channels    uint16            `json:"channels"`
	Params      map[string]string `json:"params,omitempty"`
	Active      bool              `json:"isActive"`
}

// StreamStats are RTP/RTCP counters for one direction of a media stream.
type StreamStats struct {
	Packets  int64   `json:"packets"`
	Lost     int64   `json:"packetsLost"`
	Jitter   float64 `json:"jitter,omitempty"`
	Bitrate  int64   `json:"bitrate,omitempty"`
	Dropouts int64   `json:"dropouts,omitempty"`
	RTT      float64 `json:"rtt,omitempty"`
}

// Call is an active or just-terminated call.
type Call struct {
	ID         string       `json:"callId"`
	LocalURI   string       `json:"localUri"`
	RemoteURI  string       `json:"remoteUri"`
	PeerName   string       `json:"peerName,omitempty"`
	State      CallState    `json:"state"`
	Direction  Direction    `json:"direction"`
	StartTime  time.Time    `json:"startTime"`
	AnswerTime *time.Time   `json:"answerTime,omitempty"`
	EndTime    *time.Time   `json:"endTime,omitempty"`
	Duration   int64        `json:"duration"`
	AudioCodec *Codec       `json:"audioCodec,omitempty"`
	Codecs     []Codec      `json:"audioCodecs,omitempty"`
	AudioRx    *StreamStats `json:"audioRxStats,omitempty"`
	AudioTx    *StreamStats `json:"audioTxStats,omitempty"`
}

// Clone returns a deep copy safe to hand to observers.
func (c Call) Clone() Call {
	if c.AnswerTime != nil {
		t := *c.AnswerTime
		c.AnswerTime = &t
	}
	if c.EndTime != nil {
		t := *c.EndTime
		c.EndTime = &t
	}
	if c.AudioCodec != nil {
		codec := c.AudioCodec.clone()
		c.AudioCodec = &codec
	}
	if c.Codecs != nil {
		codecs := make([]Codec, len(c.Codecs))
		for i, codec := range c.Codecs {
			codecs[i] = codec.clone()
		}
		c.Codecs = codecs
	}
	if c.AudioRx != nil {
		s := *c.AudioRx
		c.AudioRx = &s
	}
	if c.AudioTx != nil {
		s := *c.AudioTx
		c.AudioTx = &s
	}
	return c
}

func (c Codec) clone() Codec {
	if c.Params != nil {
		params := make(map[string]string, len(c.Params))
		for k, v := range c.Params {
			params[k] = v
		}
		c.Params = params
	}
	return c
}

// SyntheticCallID keys a call that arrived without an identifier.
func SyntheticCallID(local, remote string) string {
	return NormalizeURI(local) + "->" + NormalizeURI(remote)
}

// LogEntry is one line of the diagnostic ring.
type LogEntry struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"timestamp"`
	Level   string    `json:"level"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
}

// Connection states reported in ConnectionStatus.State.
const (
	ConnStateDisconnected = "disconnected"
	ConnStateConnecting   = "connecting"
	ConnStateConnected    = "connected"
	ConnStateUnhealthy    = "unhealthy"
)

// ConnectionStatus describes the control socket.
type ConnectionStatus struct {
	Connected bool      `json:"connected"`
	State     string    `json:"state"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`
	Unhealthy bool      `json:"unhealthy"`
	Since     time.Time `json:"since"`
}

// Snapshot is the full observable state, sent to observers on connect.
type Snapshot struct {
	Accounts   []Account         `json:"accounts"`
	Contacts   []Contact         `json:"contacts"`
	Calls      []Call            `json:"calls"`
	Connection ConnectionStatus  `json:"connection"`
	SystemInfo map[string]string `json:"systemInfo,omitempty"`
}
