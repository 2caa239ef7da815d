// Package httpserver exposes the storaged control surface over HTTP: device
// listings, setup/teardown requests and a server-sent-events stream of
// lifecycle events, next to the usual liveness, readiness and drain
// endpoints.
//
// Setup and teardown return 202 when the request was accepted and 409 when
// the per-device exclusivity guard rejected it, so clients can tell a
// harmless double request from a real failure. Completion is delivered on
// the event stream, not in the request response.
package httpserver
