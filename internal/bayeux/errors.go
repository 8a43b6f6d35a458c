package bayeux

import "errors"

var (
	ErrNoTransports   = errors.New("no allowed transport configured")
	ErrAlreadyStarted = errors.New("server already started")
	ErrRequestFailed  = errors.New("request failed")
	ErrChannelRemoved = errors.New("channel removed")
	ErrNotHandshaken  = errors.New("session not handshaken")
)
