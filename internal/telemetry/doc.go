// Telemetry is disabled by default. When enabled, traces and metrics are
// exported over OTLP (gRPC or HTTP) and installed as the global otel
// providers, so instruments created with otel.Meter in other packages pick
// them up without extra wiring.
package telemetry
