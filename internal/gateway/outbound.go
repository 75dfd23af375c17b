// ABOUTME: Outbound delivery bridge from the dispatcher to channel adapters
// ABOUTME: Resolves target envelopes and routes replies to the right adapter

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/2389/relay-gateway/internal/channel"
	"github.com/2389/relay-gateway/internal/target"
)

// channelOutbound implements dispatch.Outbound on top of the adapter set.
type channelOutbound struct {
	channels map[string]channel.Channel
	logger   *slog.Logger
}

// Deliver resolves the stored target envelope and hands the text to the
// owning adapter. The adapter renders markup for its platform.
func (o *channelOutbound) Deliver(ctx context.Context, channelType string, tgt json.RawMessage, text string) error {
	a, ok := o.channels[channelType]
	if !ok {
		return fmt.Errorf("channel %q is not connected", channelType)
	}

	desc, err := target.Unmarshal(tgt)
	if err != nil {
		return fmt.Errorf("resolving delivery target: %w", err)
	}

	reply := channel.OutboundReply{
		ChannelType: channelType,
		Target:      desc,
		Text:        text,
	}
	if err := a.Send(ctx, reply); err != nil {
		return fmt.Errorf("delivering to %s: %w", channelType, err)
	}
	o.logger.Debug("delivered reply", "channel", channelType, "target", desc.Key(), "chars", len(text))
	return nil
}
