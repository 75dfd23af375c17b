// ABOUTME: Package documentation for the gateway orchestrator
// ABOUTME: Describes component wiring, the HTTP API, and lifecycle

// Package gateway wires the relay-gateway components together and runs
// them: channel adapters feed inbound messages to the dispatcher, the
// dispatcher drives the backend client, and replies flow back out through
// the adapters.
//
// The gateway also serves the operator HTTP API:
//
//	GET  /health         liveness probe
//	GET  /status         counts and backend reachability (unauthenticated)
//	GET  /channels       connected adapters
//	GET  /sessions       session mappings, most recently active first
//	GET  /sessions/{id}  per-session run state
//	POST /send           out-of-band delivery to a channel target, or to a
//	                     session's stored delivery context by session_id
//	POST /approvals      operator decisions for suspended tool calls
//	GET  /approvals      runs waiting on operator decisions
//
// All routes except /health and /status require the configured bearer
// token. Listeners are plain TCP or a tsnet (Tailscale) node depending on
// configuration. Retention jobs prune idle session mappings and expired
// delivery contexts on a cron schedule.
package gateway
