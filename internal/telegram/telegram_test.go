// ABOUTME: Tests for the Telegram adapter's update mapping and send path
// ABOUTME: Uses a mock bot API; no network involved

package telegram

import (
	"context"
	"errors"
	"testing"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/channel"
	"github.com/2389/relay-gateway/internal/target"
)

type mockBot struct {
	sent    []*bot.SendMessageParams
	failOn  int // fail the Nth call (1-based), 0 disables
	calls   int
	lastErr error
}

func (m *mockBot) Start(ctx context.Context) {}

func (m *mockBot) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	m.calls++
	if m.failOn != 0 && m.calls == m.failOn {
		m.lastErr = errors.New("bad request: can't parse entities")
		return nil, m.lastErr
	}
	m.sent = append(m.sent, params)
	return &models.Message{ID: 900 + m.calls}, nil
}

func TestHandleUpdate_DirectMessage(t *testing.T) {
	a := New("token")
	inbound := make(chan channel.InboundMessage, 1)
	a.inbound = inbound

	a.handleUpdate(context.Background(), nil, &models.Update{
		Message: &models.Message{
			ID:   7,
			Date: 1700000000,
			Text: "hello",
			Chat: models.Chat{ID: 42, Type: models.ChatTypePrivate},
			From: &models.User{ID: 42, Username: "alice"},
		},
	})

	msg := <-inbound
	assert.Equal(t, "telegram", msg.ChannelType)
	assert.Equal(t, "42", msg.PeerID)
	assert.Equal(t, target.ChatDirect, msg.Chat.Kind)
	assert.Equal(t, "alice", msg.Sender)
	assert.Equal(t, "7", msg.MessageID)
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, target.Telegram{ChatID: "42"}, msg.Target)
}

func TestHandleUpdate_GroupThread(t *testing.T) {
	a := New("token")
	inbound := make(chan channel.InboundMessage, 1)
	a.inbound = inbound

	a.handleUpdate(context.Background(), nil, &models.Update{
		Message: &models.Message{
			ID:              8,
			Text:            "in thread",
			Chat:            models.Chat{ID: -100123, Type: models.ChatTypeSupergroup},
			MessageThreadID: 55,
			From:            &models.User{ID: 42, Username: "alice"},
		},
	})

	msg := <-inbound
	assert.Equal(t, target.ChatThread, msg.Chat.Kind)
	assert.Equal(t, "-100123", msg.Chat.GroupID)
	assert.Equal(t, "55", msg.Chat.ThreadID)
	assert.Equal(t, target.Telegram{ChatID: "-100123", Thread: "55"}, msg.Target)
}

func TestHandleUpdate_IgnoresNonText(t *testing.T) {
	a := New("token")
	inbound := make(chan channel.InboundMessage, 1)
	a.inbound = inbound

	a.handleUpdate(context.Background(), nil, &models.Update{})
	a.handleUpdate(context.Background(), nil, &models.Update{
		Message: &models.Message{ID: 9, Chat: models.Chat{ID: 42}},
	})
	assert.Empty(t, inbound)
}

func TestSendWithReceipt_RendersHTML(t *testing.T) {
	mb := &mockBot{}
	a := New("token")
	a.bot = mb

	receipt, err := a.SendWithReceipt(context.Background(), channel.OutboundReply{
		ChannelType: "telegram",
		Target:      target.Telegram{ChatID: "42"},
		Text:        "**done**",
	})
	require.NoError(t, err)
	assert.Equal(t, "901", receipt.MessageID)

	require.Len(t, mb.sent, 1)
	assert.Equal(t, "<b>done</b>", mb.sent[0].Text)
	assert.Equal(t, models.ParseModeHTML, mb.sent[0].ParseMode)
}

func TestSendWithReceipt_FallsBackToPlainText(t *testing.T) {
	mb := &mockBot{failOn: 1}
	a := New("token")
	a.bot = mb

	_, err := a.SendWithReceipt(context.Background(), channel.OutboundReply{
		Target: target.Telegram{ChatID: "42"},
		Text:   "**done**",
	})
	require.NoError(t, err)

	require.Len(t, mb.sent, 1)
	assert.Equal(t, "done", mb.sent[0].Text)
	assert.Empty(t, mb.sent[0].ParseMode)
}

func TestSend_WrongTargetType(t *testing.T) {
	a := New("token")
	err := a.Send(context.Background(), channel.OutboundReply{
		Target: target.Slack{Channel: "C1"},
	})
	assert.Error(t, err)
}
