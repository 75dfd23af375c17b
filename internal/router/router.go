// ABOUTME: Pure routing-key resolution for mapping conversations to sessions
// ABOUTME: Applies explicit bindings first, then DM-scope derived keys

package router

import (
	"fmt"

	"github.com/2389/relay-gateway/internal/target"
)

// DMScope controls how direct messages are grouped into routing keys.
type DMScope string

const (
	// ScopeMain merges every direct message on every channel into one key.
	ScopeMain DMScope = "main"

	// ScopePerPeer gives each peer one key shared across channels.
	ScopePerPeer DMScope = "per_peer"

	// ScopePerChannelPeer gives each (channel, peer) pair its own key.
	// This is the default.
	ScopePerChannelPeer DMScope = "per_channel_peer"
)

// Binding pins a channel (optionally narrowed to one peer or group) to a
// fixed routing key, overriding scope-derived keys.
type Binding struct {
	Channel    string
	Direct     string // match direct chats with this peer id
	Group      string // match group/thread chats with this group id
	RoutingKey string
}

// Config holds the routing rules. The zero value routes with
// ScopePerChannelPeer and no bindings.
type Config struct {
	DMScope  DMScope
	Bindings []Binding
}

// Key derives the stable routing key for a conversation. It is pure, total,
// and deterministic: malformed input degrades to a fallback key rather than
// failing, because routing must never block delivery.
func Key(cfg Config, channelType, peerID string, chat target.Chat) string {
	if channelType == "" {
		channelType = "unknown"
	}
	if peerID == "" {
		peerID = "unknown"
	}

	if key, ok := matchBinding(cfg.Bindings, channelType, peerID, chat); ok {
		return key
	}

	switch chat.Kind {
	case target.ChatThread:
		return fmt.Sprintf("%s:group:%s:thread:%s", channelType, groupOrPeer(chat, peerID), chat.ThreadID)
	case target.ChatGroup:
		return fmt.Sprintf("%s:group:%s", channelType, groupOrPeer(chat, peerID))
	default:
		return directKey(cfg.DMScope, channelType, peerID)
	}
}

func directKey(scope DMScope, channelType, peerID string) string {
	switch scope {
	case ScopeMain:
		return "main"
	case ScopePerPeer:
		return "dm:" + peerID
	default:
		return fmt.Sprintf("%s:dm:%s", channelType, peerID)
	}
}

func groupOrPeer(chat target.Chat, peerID string) string {
	if chat.GroupID != "" {
		return chat.GroupID
	}
	return peerID
}

func matchBinding(bindings []Binding, channelType, peerID string, chat target.Chat) (string, bool) {
	for _, b := range bindings {
		if b.Channel != channelType {
			continue
		}
		switch {
		case b.Direct != "":
			if chat.Kind == target.ChatDirect && b.Direct == peerID {
				return b.RoutingKey, true
			}
		case b.Group != "":
			if chat.Kind != target.ChatDirect && b.Group == chat.GroupID {
				return b.RoutingKey, true
			}
		default:
			// Channel-wide binding.
			return b.RoutingKey, true
		}
	}
	return "", false
}
