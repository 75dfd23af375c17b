// ABOUTME: Discord channel adapter using discordgo's gateway connection
// ABOUTME: Maps message-create events to inbound messages, replies in markdown

package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/2389/relay-gateway/internal/channel"
	"github.com/2389/relay-gateway/internal/markup"
	"github.com/2389/relay-gateway/internal/target"
)

// sender is the slice of the Discord session used for sending.
type sender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Adapter implements channel.Channel for Discord.
type Adapter struct {
	token   string
	session sender
	inbound chan<- channel.InboundMessage
	logger  *slog.Logger
}

// New creates a Discord adapter with the given bot token.
func New(token string) *Adapter {
	return &Adapter{
		token:  token,
		logger: slog.Default().With("component", "discord"),
	}
}

func (a *Adapter) Type() string        { return "discord" }
func (a *Adapter) DisplayName() string { return "Discord" }

// Start opens the gateway connection and blocks until ctx is done.
func (a *Adapter) Start(ctx context.Context, inbound chan<- channel.InboundMessage) error {
	a.inbound = inbound

	session, err := discordgo.New("Bot " + a.token)
	if err != nil {
		return fmt.Errorf("creating discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(ctx, s, m)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("opening discord gateway: %w", err)
	}
	a.session = session
	a.logger.Info("discord adapter started")

	<-ctx.Done()
	if err := session.Close(); err != nil {
		a.logger.Warn("error closing discord session", "error", err)
	}
	return nil
}

func (a *Adapter) handleMessage(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Content == "" {
		return
	}

	msg := inboundFromMessage(m)
	select {
	case a.inbound <- msg:
		a.logger.Debug("received message", "channel_id", m.ChannelID, "chars", len(m.Content))
	case <-ctx.Done():
	}
}

// inboundFromMessage maps one message-create event to the adapter contract.
// A message without a guild id came over a DM channel.
func inboundFromMessage(m *discordgo.MessageCreate) channel.InboundMessage {
	chat := target.Group(m.ChannelID)
	peerID := m.ChannelID
	if m.GuildID == "" {
		chat = target.Direct()
		peerID = m.Author.ID
	}

	sender := m.Author.Username
	if m.Member != nil && m.Member.Nick != "" {
		sender = m.Member.Nick
	}

	timestamp := m.Timestamp

	return channel.InboundMessage{
		ChannelType: "discord",
		PeerID:      peerID,
		Chat:        chat,
		Target:      target.Discord{ChannelID: m.ChannelID, MessageID: m.ID},
		Sender:      sender,
		MessageID:   m.ID,
		Text:        m.Content,
		Timestamp:   timestamp,
	}
}

// Send delivers a reply. Discord renders markdown natively, so the text
// passes through unchanged.
func (a *Adapter) Send(ctx context.Context, reply channel.OutboundReply) error {
	_, err := a.SendWithReceipt(ctx, reply)
	return err
}

// SendWithReceipt delivers a reply and reports the assigned message id.
func (a *Adapter) SendWithReceipt(ctx context.Context, reply channel.OutboundReply) (channel.DeliveryReceipt, error) {
	tgt, ok := reply.Target.(target.Discord)
	if !ok {
		return channel.DeliveryReceipt{}, fmt.Errorf("discord adapter got %T target", reply.Target)
	}

	channelID := tgt.ChannelID
	if tgt.Thread != "" {
		// Discord threads are channels in their own right.
		channelID = tgt.Thread
	}

	sent, err := a.session.ChannelMessageSend(channelID,
		markup.Render(reply.Text, markup.DiscordMarkdown))
	if err != nil {
		return channel.DeliveryReceipt{}, fmt.Errorf("sending discord message: %w", err)
	}
	return channel.DeliveryReceipt{MessageID: sent.ID, ThreadID: tgt.Thread}, nil
}
