// Package scheduler runs periodic cycles with an in-process single-flight
// guard, an optional distributed lock and graceful shutdown.
package scheduler
