package provider

import (
	"errors"
	"sync"
)

// The process links exactly one concrete provider and registers it at init
// time, the same way database/sql drivers do. Bootstrap then resolves it
// without importing the implementation.

var (
	regMu      sync.Mutex
	registered Provider
)

// ErrNoProvider is returned by Registered when no implementation was linked
// into the binary.
var ErrNoProvider = errors.New("no connection provider registered")

// Register installs the process-wide provider. Registering twice is a
// programming error and panics, matching database/sql semantics.
func Register(p Provider) {
	regMu.Lock()
	defer regMu.Unlock()
	if registered != nil {
		panic("provider: Register called twice")
	}
	registered = p
}

// Registered returns the installed provider.
func Registered() (Provider, error) {
	regMu.Lock()
	defer regMu.Unlock()
	if registered == nil {
		return nil, ErrNoProvider
	}
	return registered, nil
}
