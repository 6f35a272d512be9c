// Package instrumentation provides OpenTelemetry metrics and tracing for
// the bridge. When disabled it wires no-op providers so the hot path pays
// nothing for observability.
package instrumentation
