// Package api serves the synchronous HTTP surface in front of the bus.
//
// Handlers run on net/http worker goroutines, which live outside the bus
// loop's domain. Every bus operation therefore goes through the bridge:
// validate input first (fail fast, nothing is scheduled for bad requests),
// resolve the target, submit to the loop, then map the typed outcome onto an
// HTTP response. JSON responses carry permissive CORS headers; every failure
// path answers with the {"error", "code"} envelope.
package api
