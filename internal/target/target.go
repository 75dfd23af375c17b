// ABOUTME: Tagged per-channel target descriptors and conversation shapes
// ABOUTME: Provides target parsing, stable target keys, and reply addressing

package target

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ChatKind classifies the shape of a conversation.
type ChatKind string

const (
	ChatDirect ChatKind = "direct"
	ChatGroup  ChatKind = "group"
	ChatThread ChatKind = "thread"
)

// Chat describes the shape of a conversation. GroupID is set for group and
// thread chats; ThreadID only for thread chats.
type Chat struct {
	Kind     ChatKind
	GroupID  string
	ThreadID string
}

// Direct returns a direct-message chat.
func Direct() Chat { return Chat{Kind: ChatDirect} }

// Group returns a group chat for the given group id.
func Group(id string) Chat { return Chat{Kind: ChatGroup, GroupID: id} }

// Thread returns a thread chat within a group.
func Thread(groupID, threadID string) Chat {
	return Chat{Kind: ChatThread, GroupID: groupID, ThreadID: threadID}
}

// Descriptor is a per-channel delivery address. Each channel type has its
// own concrete descriptor rather than an untyped map, so a target can never
// silently lose the fields its channel requires.
type Descriptor interface {
	// ChannelType returns the channel this descriptor addresses.
	ChannelType() string

	// Key returns a stable identity string for this target, used to
	// correlate out-of-band sends with inbound conversations.
	Key() string

	// PeerID returns the primary addressing identifier for the target.
	PeerID() string

	// Chat returns the conversation shape this target addresses.
	Chat() Chat

	// WithThread returns a copy addressing the given thread. An empty
	// thread id returns the receiver unchanged.
	WithThread(threadID string) Descriptor

	// ThreadID returns the thread component, if any.
	ThreadID() string
}

// Telegram addresses a Telegram chat, optionally a forum topic thread.
type Telegram struct {
	ChatID string `json:"chat_id"`
	Thread string `json:"thread_id,omitempty"`
}

// Discord addresses a Discord channel, optionally a thread and a message
// to reply to.
type Discord struct {
	ChannelID string `json:"channel_id"`
	Thread    string `json:"thread_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// Slack addresses a Slack channel, optionally a thread by its root ts.
type Slack struct {
	Channel  string `json:"channel"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

func (t Telegram) ChannelType() string { return "telegram" }
func (t Discord) ChannelType() string  { return "discord" }
func (t Slack) ChannelType() string    { return "slack" }

func (t Telegram) Key() string {
	if t.Thread != "" {
		return fmt.Sprintf("telegram:chat:%s:thread:%s", t.ChatID, t.Thread)
	}
	return fmt.Sprintf("telegram:chat:%s", t.ChatID)
}

func (t Discord) Key() string {
	if t.Thread != "" {
		return fmt.Sprintf("discord:channel:%s:thread:%s", t.ChannelID, t.Thread)
	}
	return fmt.Sprintf("discord:channel:%s", t.ChannelID)
}

func (t Slack) Key() string {
	if t.ThreadTS != "" {
		return fmt.Sprintf("slack:channel:%s:thread:%s", t.Channel, t.ThreadTS)
	}
	return fmt.Sprintf("slack:channel:%s", t.Channel)
}

func (t Telegram) PeerID() string { return t.ChatID }
func (t Discord) PeerID() string  { return t.ChannelID }
func (t Slack) PeerID() string    { return t.Channel }

func (t Telegram) Chat() Chat { return chatFor(t.ChatID, t.Thread) }
func (t Discord) Chat() Chat  { return chatFor(t.ChannelID, t.Thread) }
func (t Slack) Chat() Chat    { return chatFor(t.Channel, t.ThreadTS) }

func (t Telegram) WithThread(threadID string) Descriptor {
	if threadID == "" {
		return t
	}
	t.Thread = threadID
	return t
}

func (t Discord) WithThread(threadID string) Descriptor {
	if threadID == "" {
		return t
	}
	t.Thread = threadID
	return t
}

func (t Slack) WithThread(threadID string) Descriptor {
	if threadID == "" {
		return t
	}
	t.ThreadTS = threadID
	return t
}

func (t Telegram) ThreadID() string { return t.Thread }
func (t Discord) ThreadID() string  { return t.Thread }
func (t Slack) ThreadID() string    { return t.ThreadTS }

func chatFor(groupID, threadID string) Chat {
	if threadID != "" {
		return Thread(groupID, threadID)
	}
	return Group(groupID)
}

// ErrUnsupportedChannel is returned by Parse for unknown channel types.
var ErrUnsupportedChannel = errors.New("unsupported channel target")

// Parse decodes a raw JSON target for the given channel type.
// Required fields depend on the channel: telegram needs chat_id, discord
// needs channel_id, slack needs channel.
func Parse(channelType string, raw json.RawMessage) (Descriptor, error) {
	switch channelType {
	case "telegram":
		var t Telegram
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("parsing telegram target: %w", err)
		}
		if t.ChatID == "" {
			return nil, errors.New("missing required field: target.chat_id")
		}
		return t, nil
	case "discord":
		var t Discord
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("parsing discord target: %w", err)
		}
		if t.ChannelID == "" {
			return nil, errors.New("missing required field: target.channel_id")
		}
		return t, nil
	case "slack":
		var t Slack
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("parsing slack target: %w", err)
		}
		if t.Channel == "" {
			return nil, errors.New("missing required field: target.channel")
		}
		return t, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChannel, channelType)
	}
}

// Marshal serializes a descriptor together with its channel tag so it can
// round-trip through the store.
func Marshal(d Descriptor) (json.RawMessage, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshaling target: %w", err)
	}
	wrapped, err := json.Marshal(struct {
		Channel string          `json:"channel"`
		Target  json.RawMessage `json:"target"`
	}{Channel: d.ChannelType(), Target: payload})
	if err != nil {
		return nil, fmt.Errorf("marshaling target envelope: %w", err)
	}
	return wrapped, nil
}

// Unmarshal restores a descriptor serialized by Marshal.
func Unmarshal(raw json.RawMessage) (Descriptor, error) {
	var envelope struct {
		Channel string          `json:"channel"`
		Target  json.RawMessage `json:"target"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("parsing target envelope: %w", err)
	}
	return Parse(envelope.Channel, envelope.Target)
}
