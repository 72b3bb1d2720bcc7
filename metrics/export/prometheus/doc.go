// Package prometheus renders core metrics in Prometheus text exposition
// format.
//
// [NewExporter] accepts a [bastion.Guard] and exposes an [net/http.Handler]
// that renders every counter and histogram. Counter names are prefixed
// bastion_*_total; the single histogram is bastion_exchange_latency_seconds.
//
// # What this package must NOT do
//
//   - Register metrics in a global Prometheus registry — callers mount the
//     Handler.
//   - Mutate guard state.
package prometheus
