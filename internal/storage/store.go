// Package storage implements the hierarchical key-path value store backing
// every lifetime database. A Store owns a single root document; backends
// decide where that document lives.
package storage

import (
	"context"
)

// Root keys of the documents used by the SDK.
const (
	RootUserMetrics = "userLifetimeMetrics"
	RootPingMetrics = "pingLifetimeMetrics"
	RootAppMetrics  = "appLifetimeMetrics"
	RootEvents      = "events"
	RootPings       = "pings"
)

// Store reads and writes a single root-keyed document.
type Store interface {
	// Get returns the value at index, nil when missing. An empty index returns
	// the whole document.
	Get(ctx context.Context, index Index) (any, error)
	// Update applies fn to the value at index as one read-modify-write.
	Update(ctx context.Context, index Index, fn TransformFn) error
	// Delete removes the value at index. An empty index clears the document.
	Delete(ctx context.Context, index Index) error
}

// Factory opens the Store for a root key.
type Factory func(rootKey string) (Store, error)
