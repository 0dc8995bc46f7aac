package glean

import (
	"github.com/coder/quartz"

	"cdr.dev/slog/v3"

	"github.com/fosrl/glean/internal/hooks"
	"github.com/fosrl/glean/internal/storage"
	"github.com/fosrl/glean/internal/upload"
)

type (
	// HookEvent names a lifecycle event.
	HookEvent = hooks.Event
	// HookHandler modifies the payload of a lifecycle event.
	HookHandler = hooks.Handler
	// StorageFactory opens the store of a root key.
	StorageFactory = storage.Factory
	// Uploader delivers ping bodies.
	Uploader = upload.Uploader
	// UploadResult is the outcome of one upload attempt.
	UploadResult = upload.Result
)

// ErrHookAlreadyRegistered is returned by New when an event gets a second
// handler.
var ErrHookAlreadyRegistered = hooks.ErrAlreadyRegistered

// AfterPingCollection runs after a ping payload is assembled and before it is
// stored. The handler returns the payload to store.
const AfterPingCollection = hooks.AfterPingCollection

type options struct {
	logger   slog.Logger
	clock    quartz.Clock
	factory  storage.Factory
	uploader upload.Uploader
	hooks    []hookRegistration
}

type hookRegistration struct {
	event   hooks.Event
	handler hooks.Handler
}

// Option customizes New.
type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock replaces the real clock, typically with a quartz mock in tests.
func WithClock(clock quartz.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithStorage opens stores through factory instead of the configured backend.
func WithStorage(factory StorageFactory) Option {
	return func(o *options) {
		o.factory = factory
	}
}

// WithUploader replaces the HTTP uploader.
func WithUploader(uploader Uploader) Option {
	return func(o *options) {
		o.uploader = uploader
	}
}

// WithHook registers handler for a lifecycle event. New fails when an event
// gets more than one handler.
func WithHook(event HookEvent, handler HookHandler) Option {
	return func(o *options) {
		o.hooks = append(o.hooks, hookRegistration{event: event, handler: handler})
	}
}
