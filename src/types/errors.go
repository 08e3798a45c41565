package types

import "fmt"

// UnauthorizedError is a policy denial or identity mismatch. Callers must
// not retry: the denial is deterministic for the same actor and operation.
type UnauthorizedError struct {
	Reason string
}

func (e *UnauthorizedError) Error() string { return e.Reason }

// NewAccessDenied reports a subscribe denied by channel policy.
func NewAccessDenied(channel ChannelName) *UnauthorizedError {
	return &UnauthorizedError{Reason: fmt.Sprintf("Access denied to channel %s", channel)}
}

// TimeoutError means the transport never acknowledged a subscribe within the
// configured window. Resubscribing is a valid retry.
type TimeoutError struct {
	Channel ChannelName
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out subscribing to channel %s", e.Channel)
}

// ChannelError is a transport-reported subscribe failure. The channel's
// state record moves to StateError until a fresh subscribe restarts it.
type ChannelError struct {
	Channel ChannelName
	Cause   error
}

func (e *ChannelError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("channel %s error: %v", e.Channel, e.Cause)
	}
	return fmt.Sprintf("channel %s error", e.Channel)
}

func (e *ChannelError) Unwrap() error { return e.Cause }

// BroadcastError means the transport returned a non-ok send status.
type BroadcastError struct {
	Channel ChannelName
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("Failed to broadcast to channel %s", e.Channel)
}

// ProfileLookupError means actor resolution failed. Authorization fails
// closed: an unresolvable actor is never allowed through.
type ProfileLookupError struct {
	Cause error
}

func (e *ProfileLookupError) Error() string { return "Unable to verify user permissions" }

func (e *ProfileLookupError) Unwrap() error { return e.Cause }
