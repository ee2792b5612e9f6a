package protocol

import "errors"

// Protocol error taxonomy. Only ErrLinkFailure is ever returned to engine callers;
// the rest are recovered inside the session engine.
var (
	ErrCorruptFrame       = errors.New("protocol: corrupt frame")
	ErrIncompleteFrame    = errors.New("protocol: incomplete frame")
	ErrUnexpectedSequence = errors.New("protocol: unexpected sequence number")
	ErrTimeout            = errors.New("protocol: reply timeout")
	ErrLinkFailure        = errors.New("protocol: link failure")
)
