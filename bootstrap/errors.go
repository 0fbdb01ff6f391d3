package bootstrap

import "errors"

var (
	// ErrInvalidOptions is returned synchronously, before any resource is
	// held, e.g. for a non-stream socket requested with TLS.
	ErrInvalidOptions = errors.New("bootstrap: invalid options")

	// ErrResolutionFailure is delivered via the client setup callback when
	// a HostResolver reports success with an empty address list; no channel
	// is ever created. An error reported by the resolver itself is
	// delivered unchanged, not wrapped in this one.
	ErrResolutionFailure = errors.New("bootstrap: host resolution failed")

	// ErrConnectionFailure is delivered via the client setup callback only
	// once every raced address has failed.
	ErrConnectionFailure = errors.New("bootstrap: every connection attempt failed")

	// ErrChannelSetupFailure is delivered via the user setup (or incoming)
	// callback when the channel built for a connected or accepted socket
	// reports a setup error, and by the client when such a channel shuts
	// down with a nil error before setup was delivered. A failure while
	// installing slots or handlers shuts the channel down and is delivered
	// with that failure's own error instead.
	ErrChannelSetupFailure = errors.New("bootstrap: channel setup failed")

	// ErrListenerClosed names a listener that has been asked to stop.
	// Neither ServerBootstrap nor iosocket.Socket delivers it: after
	// StopAccept, iosocket's accept loop exits without invoking the accept
	// callback.
	ErrListenerClosed = errors.New("bootstrap: listener closed")
)
