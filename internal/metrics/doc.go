// Package metrics provides observability hooks for the CI control loop.
//
// The package implements the Null Object pattern: components receive a
// Recorder through dependency injection and default to NoopRecorder, so
// metrics collection never requires nil checks at call sites.
//
//	type Scheduler struct {
//	    recorder metrics.Recorder
//	}
//
// The daemon activates PrometheusRecorder against its registry and serves
// the scrape endpoint via HTTPHandler; tests inject capture recorders.
package metrics
