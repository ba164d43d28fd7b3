package chat

import "errors"

var (
	ErrAuthFailure     = errors.New("authentication failed")
	ErrNotLoggedIn     = errors.New("not logged in")
	ErrNoRoom          = errors.New("no room joined")
	ErrNotMember       = errors.New("not a member of the room")
	ErrRoomNotFound    = errors.New("room not found")
	ErrProtocol        = errors.New("protocol error")
	ErrDeliveryFailure = errors.New("delivery failure")
	ErrInternal        = errors.New("internal error")

	// errConnectionGone aborts a transition whose connection was
	// unregistered while a store call was pending. Nothing is reported.
	errConnectionGone = errors.New("connection no longer registered")
)

// ProtocolError is a malformed or unknown inbound event. It matches
// ErrProtocol with errors.Is and carries the text shown to the client.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Msg }

// Is reports whether target is ErrProtocol.
func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

func protocolErr(msg string) error {
	return &ProtocolError{Msg: msg}
}

// NoticeText maps a transition error to the text sent back in an error
// notice. Store failures and anything unrecognised map to a generic text.
func NoticeText(err error) string {
	var pe *ProtocolError
	switch {
	case errors.As(err, &pe):
		return pe.Msg
	case errors.Is(err, ErrAuthFailure):
		return "Invalid username or password"
	case errors.Is(err, ErrNotLoggedIn):
		return "Please login first"
	case errors.Is(err, ErrNoRoom):
		return "Please join a room first"
	case errors.Is(err, ErrNotMember):
		return "You are not a member of this room"
	case errors.Is(err, ErrRoomNotFound):
		return "Room not found"
	case errors.Is(err, ErrProtocol):
		return "Invalid message format"
	default:
		return "Internal server error"
	}
}
