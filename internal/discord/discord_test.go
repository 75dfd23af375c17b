// ABOUTME: Tests for the Discord adapter's event mapping and send path
// ABOUTME: Uses a mock session; no gateway connection involved

package discord

import (
	"context"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/channel"
	"github.com/2389/relay-gateway/internal/target"
)

type mockSession struct {
	channels []string
	contents []string
}

func (m *mockSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.channels = append(m.channels, channelID)
	m.contents = append(m.contents, content)
	return &discordgo.Message{ID: "msg-1"}, nil
}

func messageCreate(guildID, channelID, authorID, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "m-1",
			GuildID:   guildID,
			ChannelID: channelID,
			Content:   content,
			Author:    &discordgo.User{ID: authorID, Username: "alice"},
		},
	}
}

func TestInboundFromMessage_GuildChannel(t *testing.T) {
	msg := inboundFromMessage(messageCreate("g-1", "ch-1", "u-1", "hello"))

	assert.Equal(t, "discord", msg.ChannelType)
	assert.Equal(t, "ch-1", msg.PeerID)
	assert.Equal(t, target.ChatGroup, msg.Chat.Kind)
	assert.Equal(t, "alice", msg.Sender)
	assert.Equal(t, target.Discord{ChannelID: "ch-1", MessageID: "m-1"}, msg.Target)
}

func TestInboundFromMessage_DirectMessage(t *testing.T) {
	msg := inboundFromMessage(messageCreate("", "dm-1", "u-1", "hi"))

	assert.Equal(t, target.ChatDirect, msg.Chat.Kind)
	assert.Equal(t, "u-1", msg.PeerID)
}

func TestInboundFromMessage_NickOverridesUsername(t *testing.T) {
	mc := messageCreate("g-1", "ch-1", "u-1", "hello")
	mc.Member = &discordgo.Member{Nick: "ally"}

	msg := inboundFromMessage(mc)
	assert.Equal(t, "ally", msg.Sender)
}

func TestSendWithReceipt_ThreadTargetsThreadChannel(t *testing.T) {
	ms := &mockSession{}
	a := New("token")
	a.session = ms

	receipt, err := a.SendWithReceipt(context.Background(), channel.OutboundReply{
		Target: target.Discord{ChannelID: "ch-1", Thread: "th-9"},
		Text:   "done",
	})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", receipt.MessageID)
	assert.Equal(t, []string{"th-9"}, ms.channels)
	assert.Equal(t, []string{"done"}, ms.contents)
}

func TestSend_WrongTargetType(t *testing.T) {
	a := New("token")
	err := a.Send(context.Background(), channel.OutboundReply{
		Target: target.Telegram{ChatID: "42"},
	})
	assert.Error(t, err)
}
