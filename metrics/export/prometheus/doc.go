// Package prometheus renders engine metrics in the Prometheus text
// exposition format.
//
// [NewPrometheusExporter] wraps a [dwayauth.Engine] and exposes an
// [http.Handler] for the scrape endpoint. Counters are named
// dwayauth_*_total and latency histograms dwayauth_*_latency_seconds.
//
// # What this package must NOT do
//
//   - Register anything in a global registry. Callers mount the Handler.
//   - Mutate engine state.
package prometheus
