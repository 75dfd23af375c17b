// ABOUTME: Package dispatch is the per-conversation run state machine
// ABOUTME: Idle, awaiting backend, streaming reply, and tool approval states

// Package dispatch orchestrates the gateway's core loop. Each routing key
// owns one state machine: an inbound message either starts a backend run or
// queues behind the active one, streamed events become channel replies, and
// proposed tool calls pass through the approval policy before the backend
// may execute them. Session identity lives in the store; the dispatcher
// holds only transient queues, so a restart resumes sessions without
// replaying queued input.
package dispatch
