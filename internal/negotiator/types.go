package negotiator

import (
	"context"

	"offline0/internal/protocol"
)

// WorkerState is the lifecycle state of a worker as a page observes it.
type WorkerState int

const (
	StateInstalling WorkerState = iota
	StateInstalled              // waiting
	StateActivating
	StateActivated
	StateRedundant
)

func (s WorkerState) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// UpdateViaCache controls whether the worker script may come from an HTTP
// cache when the container checks for updates.
type UpdateViaCache string

const (
	UpdateViaCacheImports UpdateViaCache = "imports"
	UpdateViaCacheAll     UpdateViaCache = "all"
	UpdateViaCacheNone    UpdateViaCache = "none"
)

type RegisterOptions struct {
	UpdateViaCache UpdateViaCache
}

// WorkerHandle is a page's reference to one worker instance.
type WorkerHandle interface {
	ScriptURL() string
	Version() string
	State() WorkerState
	// OnStateChange registers fn; the returned func unregisters it.
	OnStateChange(fn func(WorkerState)) (remove func())
	// PostMessage delivers msg to the worker without waiting for it to be
	// handled.
	PostMessage(ctx context.Context, msg protocol.Message) error
}

type Registration interface {
	Installing() WorkerHandle
	Waiting() WorkerHandle
	Active() WorkerHandle
	OnUpdateFound(fn func()) (remove func())
	Update(ctx context.Context) error
}

// Container is the page's view of the worker host.
type Container interface {
	Register(ctx context.Context, scriptURL string, opts RegisterOptions) (Registration, error)
	Controller() WorkerHandle
	OnControllerChange(fn func()) (remove func())
}

// VersionStore persists the last version the page resolved.
type VersionStore interface {
	Setting(key string) (string, bool, error)
	SetSetting(key, value string) error
}
