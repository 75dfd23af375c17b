// ABOUTME: Package client is the gateway's HTTP client for the agent backend
// ABOUTME: Sessions, messages, tool approvals, and SSE run event streams

// Package client talks to the agent backend. Unary calls go over plain JSON
// HTTP; run events arrive on a server-sent event stream that resumes from a
// per-session cursor, so a gateway restart or dropped connection never loses
// or repeats an event.
package client
