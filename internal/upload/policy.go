// Package upload delivers stored pings: the Manager decides what to upload
// next, the Worker runs the upload loop and an Uploader does the transport.
package upload

import (
	"time"
)

// Policy bounds retries and payload sizes.
type Policy struct {
	// MaxWaitAttempts is the number of consecutive rate limited polls after
	// which the upload loop gives up until new work arrives.
	MaxWaitAttempts int
	// MaxRecoverableFailures is the number of recoverable failures tolerated
	// per session before uploading stops.
	MaxRecoverableFailures int
	// MaxPingBodySize is the largest request body, after compression.
	MaxPingBodySize int
}

// Default limits.
const (
	DefaultMaxWaitAttempts        = 3
	DefaultMaxRecoverableFailures = 3
	DefaultMaxPingBodySize        = 1024 * 1024
	DefaultRateLimitInterval      = 60 * time.Second
	DefaultRateLimitMaxCount      = 40
	DefaultTimeout                = 10 * time.Second
)

// DefaultPolicy returns the default upload policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxWaitAttempts:        DefaultMaxWaitAttempts,
		MaxRecoverableFailures: DefaultMaxRecoverableFailures,
		MaxPingBodySize:        DefaultMaxPingBodySize,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxWaitAttempts <= 0 {
		p.MaxWaitAttempts = d.MaxWaitAttempts
	}
	if p.MaxRecoverableFailures <= 0 {
		p.MaxRecoverableFailures = d.MaxRecoverableFailures
	}
	if p.MaxPingBodySize <= 0 {
		p.MaxPingBodySize = d.MaxPingBodySize
	}
	return p
}
