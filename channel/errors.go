package channel

import "errors"

var (
	// ErrExceedsWindow is returned synchronously to a sender whose message
	// is larger than the addressed slot's current window_size. The sender
	// retains ownership of the message.
	ErrExceedsWindow = errors.New("channel: message exceeds slot window")

	// ErrNoNeighbor is returned when SendMessage is called in a direction
	// that has no neighbor slot (e.g. writing leftward from the head, or
	// reading rightward from the tail).
	ErrNoNeighbor = errors.New("channel: no neighbor slot in that direction")

	// ErrNoHandler is returned when the addressed neighbor slot has no
	// handler installed yet.
	ErrNoHandler = errors.New("channel: neighbor slot has no handler")

	// ErrSlotBusy is returned by Remove/Replace when the slot is not
	// quiescent (a message is currently being processed there).
	ErrSlotBusy = errors.New("channel: slot is not quiescent")

	// ErrHandlerAlreadySet is returned by SetHandler when the slot already
	// has a handler installed.
	ErrHandlerAlreadySet = errors.New("channel: slot handler already set")

	// ErrUnknown substitutes for a zero error code when a pre-setup
	// shutdown must still deliver "something" to the user. Never used
	// when a real cause is known.
	ErrUnknown = errors.New("channel: unknown error")

	// ErrChannelCancelled is latched when the channel's setup task is
	// cancelled (e.g. the event loop is shutting down) before it runs.
	ErrChannelCancelled = errors.New("channel: setup task cancelled")

	// ErrChannelDestroyed names the state of a channel whose Destroy has
	// already run. No operation in this package returns it.
	ErrChannelDestroyed = errors.New("channel: already destroyed")
)
