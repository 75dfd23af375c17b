// ABOUTME: Slack channel adapter over socket mode
// ABOUTME: Maps events API messages to inbound messages, replies in mrkdwn

package slack

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/2389/relay-gateway/internal/channel"
	"github.com/2389/relay-gateway/internal/markup"
	"github.com/2389/relay-gateway/internal/target"
)

// poster is the slice of the Slack web API used for sending.
type poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Adapter implements channel.Channel for Slack using socket mode, so no
// public webhook endpoint is needed.
type Adapter struct {
	botToken string
	appToken string

	api       poster
	botUserID string
	inbound   chan<- channel.InboundMessage
	logger    *slog.Logger
}

// New creates a Slack adapter. Socket mode requires both a bot token
// (xoxb-) and an app-level token (xapp-).
func New(botToken, appToken string) *Adapter {
	return &Adapter{
		botToken: botToken,
		appToken: appToken,
		logger:   slog.Default().With("component", "slack"),
	}
}

func (a *Adapter) Type() string        { return "slack" }
func (a *Adapter) DisplayName() string { return "Slack" }

// Start opens the socket mode connection and blocks until ctx is done.
func (a *Adapter) Start(ctx context.Context, inbound chan<- channel.InboundMessage) error {
	a.inbound = inbound

	api := slack.New(a.botToken, slack.OptionAppLevelToken(a.appToken))
	a.api = api

	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	a.botUserID = auth.UserID

	sock := socketmode.New(api)
	go a.consumeEvents(ctx, sock)

	a.logger.Info("slack adapter started", "bot_user", auth.UserID)
	if err := sock.RunContext(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("slack socket mode: %w", err)
	}
	return nil
}

func (a *Adapter) consumeEvents(ctx context.Context, sock *socketmode.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sock.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			if evt.Request != nil {
				sock.Ack(*evt.Request)
			}
			a.handleEvent(ctx, apiEvent)
		}
	}
}

func (a *Adapter) handleEvent(ctx context.Context, apiEvent slackevents.EventsAPIEvent) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	ev, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	// Skip our own messages, bot traffic, and edits/joins.
	if ev.BotID != "" || ev.User == a.botUserID || ev.SubType != "" || ev.Text == "" {
		return
	}

	msg := a.inboundFromEvent(ev)
	select {
	case a.inbound <- msg:
		a.logger.Debug("received message", "channel", ev.Channel, "chars", len(ev.Text))
	case <-ctx.Done():
	}
}

// inboundFromEvent maps one Slack message event to the adapter contract.
func (a *Adapter) inboundFromEvent(ev *slackevents.MessageEvent) channel.InboundMessage {
	chat := target.Group(ev.Channel)
	peerID := ev.Channel
	if ev.ChannelType == "im" {
		chat = target.Direct()
		peerID = ev.User
	} else if ev.ThreadTimeStamp != "" {
		chat = target.Thread(ev.Channel, ev.ThreadTimeStamp)
	}

	messageID := ev.ClientMsgID
	if messageID == "" {
		messageID = ev.Channel + ":" + ev.TimeStamp
	}

	return channel.InboundMessage{
		ChannelType: "slack",
		PeerID:      peerID,
		Chat:        chat,
		Target:      target.Slack{Channel: ev.Channel, ThreadTS: ev.ThreadTimeStamp},
		Sender:      ev.User,
		MessageID:   messageID,
		Text:        ev.Text,
		Timestamp:   slackTimestamp(ev.TimeStamp),
	}
}

// Send delivers a reply rendered as mrkdwn.
func (a *Adapter) Send(ctx context.Context, reply channel.OutboundReply) error {
	_, err := a.SendWithReceipt(ctx, reply)
	return err
}

// SendWithReceipt delivers a reply and reports the message timestamp, which
// doubles as Slack's thread id.
func (a *Adapter) SendWithReceipt(ctx context.Context, reply channel.OutboundReply) (channel.DeliveryReceipt, error) {
	tgt, ok := reply.Target.(target.Slack)
	if !ok {
		return channel.DeliveryReceipt{}, fmt.Errorf("slack adapter got %T target", reply.Target)
	}

	options := []slack.MsgOption{
		slack.MsgOptionText(markup.Render(reply.Text, markup.SlackMrkdwn), false),
	}
	if tgt.ThreadTS != "" {
		options = append(options, slack.MsgOptionTS(tgt.ThreadTS))
	}

	_, ts, err := a.api.PostMessageContext(ctx, tgt.Channel, options...)
	if err != nil {
		return channel.DeliveryReceipt{}, fmt.Errorf("sending slack message: %w", err)
	}
	return channel.DeliveryReceipt{MessageID: ts, ThreadID: ts}, nil
}

// slackTimestamp parses Slack's "seconds.fraction" timestamps.
func slackTimestamp(ts string) time.Time {
	var sec, frac int64
	if _, err := fmt.Sscanf(ts, "%d.%d", &sec, &frac); err != nil {
		return time.Now()
	}
	return time.Unix(sec, 0)
}
