// Package telemetry instruments the SDK itself.
//
// Instruments are built against the global OpenTelemetry meter provider and
// default to no-ops, so the recording pipeline can call the Record helpers
// unconditionally. Init installs a Prometheus or OTLP reader when a host
// wants to observe queue depth, upload outcomes and storage fallbacks.
package telemetry
