// Package metrics holds the vocabulary shared by the recording pipeline:
// lifetimes, metric metadata and identifiers, stored value shapes, recorded
// events and the error taxonomy.
package metrics

import (
	"github.com/fosrl/glean/internal/storage"
)

// Lifetime controls when a stored metric value is cleared.
type Lifetime string

const (
	// LifetimePing values are cleared each time a ping they belong to is
	// collected.
	LifetimePing Lifetime = "ping"
	// LifetimeApplication values live until upload is disabled or the store
	// is reset.
	LifetimeApplication Lifetime = "application"
	// LifetimeUser values survive for the whole installation.
	LifetimeUser Lifetime = "user"
)

// Lifetimes lists every lifetime in the order snapshots merge them.
var Lifetimes = []Lifetime{LifetimeUser, LifetimePing, LifetimeApplication}

// Valid reports whether l is a known lifetime.
func (l Lifetime) Valid() bool {
	switch l {
	case LifetimePing, LifetimeApplication, LifetimeUser:
		return true
	}
	return false
}

// StorageRoot returns the root key of the store holding values of l.
func (l Lifetime) StorageRoot() string {
	switch l {
	case LifetimeUser:
		return storage.RootUserMetrics
	case LifetimeApplication:
		return storage.RootAppMetrics
	default:
		return storage.RootPingMetrics
	}
}
