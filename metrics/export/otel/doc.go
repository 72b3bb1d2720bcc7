// Package otel bridges core metrics into OpenTelemetry observable
// instruments.
//
// [NewExporter] registers one observable counter per core counter and a
// gauge set per histogram on the caller's meter; values are read from the
// core snapshot at collection time. Close unregisters the callback.
package otel
