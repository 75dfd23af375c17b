// ABOUTME: Channel adapter contract and wire types shared by all adapters
// ABOUTME: Defines InboundMessage, OutboundReply, and the Channel interface

package channel

import (
	"context"
	"time"

	"github.com/2389/relay-gateway/internal/target"
)

// InboundMessage is a user message arriving from a chat platform.
// Adapters fill every field; the dispatcher treats the payload as opaque.
type InboundMessage struct {
	// ChannelType identifies the producing adapter ("telegram", "slack", "discord").
	ChannelType string

	// PeerID identifies the sender-side conversation peer (user id for DMs,
	// channel/group id otherwise).
	PeerID string

	// Chat is the conversation shape this message arrived in.
	Chat target.Chat

	// Target is the reply address for this conversation.
	Target target.Descriptor

	// Sender is a human-readable sender name for attribution in batched
	// follow-ups. May be empty.
	Sender string

	// MessageID is the channel-provided message identifier, used for
	// duplicate-delivery suppression. Unique per channel.
	MessageID string

	Text      string
	Timestamp time.Time

	// RunOptions carries optional per-run overrides attached by the API
	// surface (model, timeout). Nil for ordinary chat traffic.
	RunOptions *RunOptions
}

// RunOptions are per-run overrides for a backend run started by this message.
type RunOptions struct {
	Model          string
	TimeoutSeconds int
}

// OutboundReply is a message the gateway sends back into a chat platform.
type OutboundReply struct {
	ChannelType string
	Target      target.Descriptor
	Text        string
}

// DeliveryReceipt reports identifiers assigned by the platform on send.
// Thread-capable platforms return the thread the message landed in so
// later sends can stay in that thread.
type DeliveryReceipt struct {
	MessageID string
	ThreadID  string
}

// Channel is the adapter contract the dispatcher requires from each chat
// platform. Transport (webhook, long-poll, socket) is the adapter's concern.
type Channel interface {
	// Type returns the channel type identifier ("telegram", "slack", "discord").
	Type() string

	// DisplayName returns a human-readable adapter name for status output.
	DisplayName() string

	// Start connects to the platform and delivers inbound messages to the
	// given channel until ctx is canceled. Blocks for the lifetime of the
	// connection.
	Start(ctx context.Context, inbound chan<- InboundMessage) error

	// Send delivers a reply to the platform.
	Send(ctx context.Context, reply OutboundReply) error

	// SendWithReceipt delivers a reply and reports platform-assigned ids.
	SendWithReceipt(ctx context.Context, reply OutboundReply) (DeliveryReceipt, error)
}
