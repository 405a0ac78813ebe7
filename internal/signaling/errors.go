package signaling

import "errors"

var (
	errBadFirstMessage        = errors.New("first message must be hello")
	errExpectedAuthenticate   = errors.New("expected authenticate message")
	errExpectedPasswordChange = errors.New("expected password_change message")
	errMissingUsername        = errors.New("username required")
	errInvalidCredentials     = errors.New("invalid credentials")
	errAccountInactive        = errors.New("account deactivated")
	errJoinDenied             = errors.New("channel_join permission denied")
	errBadChannelPassword     = errors.New("incorrect channel password")
	errEmptyMessage           = errors.New("message content must not be empty")
	errChatDenied             = errors.New("text_send permission denied")
	errNotOwnMessage          = errors.New("not the message sender")
)
