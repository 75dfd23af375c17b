// Package store persists the routing table (routing key → backend session)
// and one-shot delivery contexts for out-of-band notifications. It is the
// only source of truth for which session a conversation belongs to; the
// dispatcher keeps no session identity of its own, which is what lets a
// restarted gateway resume conversations instead of forking them.
package store
