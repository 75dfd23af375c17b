// ABOUTME: Telegram channel adapter using go-telegram/bot long polling
// ABOUTME: Maps updates to inbound messages and renders replies as Telegram HTML

package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/2389/relay-gateway/internal/channel"
	"github.com/2389/relay-gateway/internal/markup"
	"github.com/2389/relay-gateway/internal/target"
)

// botAPI abstracts the Telegram bot methods the adapter uses, enabling
// testing with mocks.
type botAPI interface {
	Start(ctx context.Context)
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// Adapter implements channel.Channel for Telegram.
type Adapter struct {
	token   string
	bot     botAPI
	inbound chan<- channel.InboundMessage
	logger  *slog.Logger
}

// New creates a Telegram adapter with the given bot token.
func New(token string) *Adapter {
	return &Adapter{
		token:  token,
		logger: slog.Default().With("component", "telegram"),
	}
}

func (a *Adapter) Type() string        { return "telegram" }
func (a *Adapter) DisplayName() string { return "Telegram" }

// Start connects the bot in long-polling mode and blocks until ctx is done.
func (a *Adapter) Start(ctx context.Context, inbound chan<- channel.InboundMessage) error {
	a.inbound = inbound

	b, err := bot.New(a.token, bot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		return fmt.Errorf("creating telegram bot: %w", err)
	}
	a.bot = b

	a.logger.Info("telegram adapter started")
	b.Start(ctx)
	return nil
}

// handleUpdate converts one Telegram update into an inbound message.
func (a *Adapter) handleUpdate(ctx context.Context, b *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil || msg.Text == "" {
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	threadID := ""
	if msg.MessageThreadID != 0 {
		threadID = strconv.Itoa(msg.MessageThreadID)
	}

	chat := target.Direct()
	peerID := chatID
	if msg.Chat.Type != models.ChatTypePrivate {
		if threadID != "" {
			chat = target.Thread(chatID, threadID)
		} else {
			chat = target.Group(chatID)
		}
	}

	sender := ""
	if msg.From != nil {
		sender = msg.From.Username
		if sender == "" {
			sender = msg.From.FirstName
		}
		if msg.Chat.Type == models.ChatTypePrivate {
			peerID = strconv.FormatInt(msg.From.ID, 10)
		}
	}

	in := channel.InboundMessage{
		ChannelType: "telegram",
		PeerID:      peerID,
		Chat:        chat,
		Target:      target.Telegram{ChatID: chatID, Thread: threadID},
		Sender:      sender,
		MessageID:   strconv.Itoa(msg.ID),
		Text:        msg.Text,
		Timestamp:   time.Unix(int64(msg.Date), 0),
	}

	select {
	case a.inbound <- in:
		a.logger.Debug("received message", "chat_id", chatID, "chars", len(msg.Text))
	case <-ctx.Done():
	}
}

// Send delivers a reply, rendered to Telegram's HTML subset. When HTML
// parsing is rejected the text is resent plain so replies never vanish.
func (a *Adapter) Send(ctx context.Context, reply channel.OutboundReply) error {
	_, err := a.SendWithReceipt(ctx, reply)
	return err
}

// SendWithReceipt delivers a reply and reports the assigned message id.
func (a *Adapter) SendWithReceipt(ctx context.Context, reply channel.OutboundReply) (channel.DeliveryReceipt, error) {
	tgt, ok := reply.Target.(target.Telegram)
	if !ok {
		return channel.DeliveryReceipt{}, fmt.Errorf("telegram adapter got %T target", reply.Target)
	}

	params := &bot.SendMessageParams{
		ChatID:    tgt.ChatID,
		Text:      markup.Render(reply.Text, markup.TelegramHTML),
		ParseMode: models.ParseModeHTML,
	}
	if tgt.Thread != "" {
		if threadID, err := strconv.Atoi(tgt.Thread); err == nil {
			params.MessageThreadID = threadID
		}
	}

	sent, err := a.bot.SendMessage(ctx, params)
	if err != nil {
		// Malformed HTML from an unusual reply must not eat the message.
		params.Text = markup.Render(reply.Text, markup.PlainText)
		params.ParseMode = ""
		sent, err = a.bot.SendMessage(ctx, params)
		if err != nil {
			return channel.DeliveryReceipt{}, fmt.Errorf("sending telegram message: %w", err)
		}
	}

	receipt := channel.DeliveryReceipt{MessageID: strconv.Itoa(sent.ID)}
	if sent.MessageThreadID != 0 {
		receipt.ThreadID = strconv.Itoa(sent.MessageThreadID)
	}
	return receipt, nil
}
