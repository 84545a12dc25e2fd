package relay

import (
	"errors"
	"fmt"

	"github.com/sipeed/partyline/pkg/link"
)

var (
	ErrNoAdapter           = errors.New("no adapter for endpoint")
	ErrIdentityUnsupported = errors.New("adapter cannot send as identity")
	ErrNothingToSend       = errors.New("message is empty after transformation")
)

// ResolutionError is a quote that could not be mapped into the destination.
// The quote is dropped and the relay goes on.
type ResolutionError struct {
	Source      link.ChannelKey
	Destination link.ChannelKey
	QuoteID     string
	Reason      string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("quote %s from %s unresolved for %s: %s", e.QuoteID, e.Source, e.Destination, e.Reason)
}

// SendError is a failed relay to one destination. Siblings are unaffected.
type SendError struct {
	Destination link.ChannelKey
	Err         error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.Destination, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// DeleteError is a failed propagated delete. It is never retried.
type DeleteError struct {
	Destination link.ChannelKey
	MessageID   string
	Err         error
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("delete %s in %s: %v", e.MessageID, e.Destination, e.Err)
}

func (e *DeleteError) Unwrap() error { return e.Err }
