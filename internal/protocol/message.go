// Package protocol defines the JSON control-plane envelope exchanged
// between a client and the Session & Signaling Service over the
// websocket connection established by internal/signaling. It generalizes
// the teacher's flat single-struct Message into a richer set of per-verb
// payloads, the way a channel-tree/permission/chat system needs more
// shapes than a flat voice-room roster does, while keeping the same
// "one envelope type, optional fields per message kind" wire convention.
package protocol

import "encoding/json"

// Message types exchanged over the control connection.
const (
	TypeHello           = "hello"            // client -> server: protocol version, client name
	TypeAuthRequired    = "auth_required"    // server -> client
	TypeAuthenticate    = "authenticate"     // client -> server: username/password, optionally an invite code
	TypePasswordChange  = "password_change"  // server -> client prompt when flagged; client -> server answer with the new password
	TypeAuthOK          = "auth_ok"          // not sent by the hub: a successful authenticate is answered with snapshot
	TypeAuthFailed      = "auth_failed"      // server -> client
	TypeSnapshot        = "snapshot"         // server -> client: full channel tree + roster on connect
	TypeChannelCreated  = "channel_created"  // reserved; not sent by the hub
	TypeChannelUpdated  = "channel_updated"  // reserved; not sent by the hub
	TypeChannelMoved    = "channel_moved"    // reserved; not sent by the hub
	TypeChannelDeleted  = "channel_deleted"  // server -> client (broadcast)
	TypeJoinChannel     = "join_channel"     // client -> server
	TypeLeaveChannel    = "leave_channel"    // client -> server
	TypeUserJoined      = "user_joined"      // server -> client (broadcast)
	TypeUserLeft        = "user_left"        // server -> client (broadcast)
	TypeUserMoved       = "user_moved"       // server -> client (broadcast): user switched channel
	TypeVoiceStateSet   = "voice_state_set"  // client -> server: mute/deafen
	TypeVoiceState      = "voice_state"      // server -> client (broadcast)
	TypeSendChat        = "send_chat"        // client -> server
	TypeChatMessage     = "chat_message"     // server -> client (broadcast)
	TypeEditChat        = "edit_chat"        // client -> server
	TypeChatEdited      = "chat_edited"      // server -> client (broadcast)
	TypeDeleteChat      = "delete_chat"      // client -> server
	TypeChatDeleted     = "chat_deleted"     // server -> client (broadcast)
	TypePing            = "ping"
	TypePong            = "pong"
	TypeError           = "error"
	TypeAdminEcho       = "admin_echo" // server -> client: a Commander-originated change, mirrored to affected sessions
	TypeVoiceToken      = "voice_token" // server -> client: short-lived Media Router join credential
)

// Message is the JSON control envelope. Only the fields relevant to Type
// are populated; this mirrors the teacher's Message struct, widened with
// a generic Payload for verb-specific structured fields rather than one
// field per verb.
type Message struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"` // echoed back on client-originated requests
	SelfID    string          `json:"self_id,omitempty"`
	TS        int64           `json:"ts,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// HelloPayload is the client's opening handshake.
type HelloPayload struct {
	ProtocolVersion int    `json:"protocol_version"`
	ClientName      string `json:"client_name,omitempty"`
}

// AuthenticatePayload carries username/password, optionally with an
// invite code. The hub does not accept Token: a payload carrying only a
// token fails with a missing-username error.
type AuthenticatePayload struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
	Invite   string `json:"invite,omitempty"`
}

// PasswordChangePayload is sent when the server flagged the account
// must_change_password.
type PasswordChangePayload struct {
	NewPassword string `json:"new_password"`
}

// SnapshotPayload is the full state handed to a client right after
// authentication completes.
type SnapshotPayload struct {
	ServerName string    `json:"server_name"`
	SelfUser   User      `json:"self_user"`
	Users      []User    `json:"users"`
	Channels   []Channel `json:"channels"`
}

// User is the presence payload for one connected account.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	ChannelID string `json:"channel_id,omitempty"`
	Muted     bool   `json:"muted,omitempty"`
	Deafened  bool   `json:"deafened,omitempty"`
}

// Channel is the tree-node payload sent to clients.
type Channel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ParentID    string `json:"parent_id,omitempty"`
	Topic       string `json:"topic,omitempty"`
	HasPassword bool   `json:"has_password,omitempty"`
	MaxClients  int    `json:"max_clients,omitempty"`
	Default     bool   `json:"default,omitempty"`
	Kind        string `json:"kind"`
	SortOrder   int    `json:"sort_order"`
}

// JoinChannelPayload requests moving into a channel.
type JoinChannelPayload struct {
	ChannelID string `json:"channel_id"`
	Password  string `json:"password,omitempty"`
}

// VoiceStateSetPayload is the client's requested mute/deafen state.
type VoiceStateSetPayload struct {
	Muted    bool `json:"muted"`
	Deafened bool `json:"deafened"`
}

// ChatPayload carries a chat message body.
type ChatPayload struct {
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	ReplyTo   string `json:"reply_to,omitempty"`
}

// ChatEditPayload edits an existing message.
type ChatEditPayload struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

// ChatDeletePayload deletes an existing message.
type ChatDeletePayload struct {
	MessageID string `json:"message_id"`
}

// ChatMessagePayload is the broadcast form of a chat message.
type ChatMessagePayload struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
	ReplyTo   string `json:"reply_to,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// AdminEchoPayload mirrors a Commander-originated mutation to affected
// sessions so clients stay consistent without polling.
type AdminEchoPayload struct {
	Operation string          `json:"operation"`
	Detail    json.RawMessage `json:"detail,omitempty"`
}

// VoiceTokenPayload hands the client a one-time credential to present to
// the Media Router's WebTransport join handshake.
type VoiceTokenPayload struct {
	Token     string `json:"token"`
	ChannelID string `json:"channel_id"`
}

// LeaveChannelPayload requests leaving the current channel without
// disconnecting the session.
type LeaveChannelPayload struct {
	ChannelID string `json:"channel_id"`
}

// ChannelDeletedPayload is the broadcast form of a channel's removal,
// whether by admin action or by a temporary/semi_permanent channel's
// automatic lifecycle sweep.
type ChannelDeletedPayload struct {
	ChannelID string `json:"channel_id"`
	Reason    string `json:"reason,omitempty"`
}

// Decode unmarshals m.Payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// WithPayload builds a Message of the given type carrying v as its
// encoded payload.
func WithPayload(msgType string, v any) (Message, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: msgType, Payload: raw}, nil
}
