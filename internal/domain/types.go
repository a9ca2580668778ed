package domain

// SessionState models the peer session lifecycle.
type SessionState string

const (
	SessionStateIdle         SessionState = "idle"
	SessionStateConnecting   SessionState = "connecting"
	SessionStateConnected    SessionState = "connected"
	SessionStateDisconnected SessionState = "disconnected"
	SessionStateFailed       SessionState = "failed"
)

// Terminal reports whether the state needs a new Connect to recover.
func (s SessionState) Terminal() bool {
	return s == SessionStateDisconnected || s == SessionStateFailed
}

// ChannelState models the transcript channel lifecycle.
type ChannelState string

const (
	ChannelStateClosed       ChannelState = "closed"
	ChannelStateConnecting   ChannelState = "connecting"
	ChannelStateOpen         ChannelState = "open"
	ChannelStateReconnecting ChannelState = "reconnecting"
	ChannelStateExhausted    ChannelState = "exhausted"
)

// ErrorCode identifies non-fatal and fatal backend errors.
type ErrorCode string

const (
	ErrorCodeStartup      ErrorCode = "startup"
	ErrorCodeMediaAccess  ErrorCode = "media_access"
	ErrorCodeNegotiation  ErrorCode = "negotiation"
	ErrorCodeSignaling    ErrorCode = "signaling"
	ErrorCodeConnection   ErrorCode = "connection"
	ErrorCodeDeviceSwitch ErrorCode = "device_switch"
	ErrorCodeChannel      ErrorCode = "channel"
	ErrorCodeHistory      ErrorCode = "history"
	ErrorCodeClipboard    ErrorCode = "clipboard"
	ErrorCodeExport       ErrorCode = "export"
)

// Role identifies who produced a transcript message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAgent
}

// TranscriptMessage is one turn in a conversation.
type TranscriptMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SameAs reports whether two messages share the dedup identity.
func (m TranscriptMessage) SameAs(other TranscriptMessage) bool {
	return m.Role == other.Role && m.Content == other.Content
}

// Transcript is a snapshot of the active conversation buffer.
type Transcript struct {
	ConversationID string              `json:"conversationId"`
	Messages       []TranscriptMessage `json:"messages"`
}

// DeviceKind distinguishes capture from playback devices.
type DeviceKind string

const (
	DeviceKindAudioInput  DeviceKind = "audioinput"
	DeviceKindAudioOutput DeviceKind = "audiooutput"
)

// Device is one selectable audio endpoint.
type Device struct {
	ID    string     `json:"deviceId"`
	Label string     `json:"label"`
	Kind  DeviceKind `json:"kind"`
}

// SessionSummary describes a persisted conversation.
type SessionSummary struct {
	ID           string `json:"id"`
	StartedAt    string `json:"startedAt"`
	EndedAt      string `json:"endedAt,omitempty"`
	MessageCount int    `json:"messageCount"`
}

// SessionRecord is a persisted conversation with its messages.
type SessionRecord struct {
	ID        string              `json:"id"`
	StartedAt string              `json:"startedAt"`
	EndedAt   string              `json:"endedAt,omitempty"`
	Messages  []TranscriptMessage `json:"messages"`
}

// ExportResult is returned once a transcript is formatted for export.
type ExportResult struct {
	Text   string `json:"text"`
	Copied bool   `json:"copied"`
}

// Status summarizes the current runtime status.
type Status struct {
	State          SessionState `json:"state"`
	Active         bool         `json:"active"`
	Muted          bool         `json:"muted"`
	Channel        ChannelState `json:"channel"`
	ConversationID string       `json:"conversationId,omitempty"`
	Message        string       `json:"message,omitempty"`
}
