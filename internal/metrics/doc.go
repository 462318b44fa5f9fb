// Package metrics provides observability hooks for the build coordinator.
//
// Components receive a Recorder through their constructors and default to
// NoopRecorder when none is given, so call sites never nil-check:
//
//	engine := decision.NewEngine(records, nil, logger) // metrics disabled
//
// The daemon swaps in a PrometheusRecorder registered on its own registry
// and serves it with HTTPHandler.
package metrics
