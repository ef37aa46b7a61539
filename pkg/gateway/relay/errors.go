package relay

import (
	"errors"

	"github.com/voicerag/gateway/pkg/gateway/relay/sessions"
)

// ErrInvalidSession is returned for operations on a session that no
// longer accepts them.
var ErrInvalidSession = sessions.ErrInvalidSession

// ErrUpstreamDisconnected is returned by Run when the upstream model
// connection drops while the client is still attached.
var ErrUpstreamDisconnected = errors.New("upstream disconnected")

// ErrTooManyMalformedFrames is returned by Run when the client exceeds
// the malformed frame allowance.
var ErrTooManyMalformedFrames = errors.New("too many malformed frames")
