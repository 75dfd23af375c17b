// ABOUTME: Session title rendering from a configurable template
// ABOUTME: Supports {channel}, {peer}, {chat_type}, and {chat_id} placeholders

package target

import "strings"

// RenderTitle fills a session title template. Unknown placeholders are left
// as-is so a typo in the template is visible rather than silently empty.
func RenderTitle(template, channelType, peerID string, chat Chat) string {
	chatType := "dm"
	chatID := peerID
	switch chat.Kind {
	case ChatGroup:
		chatType = "group"
		chatID = chat.GroupID
	case ChatThread:
		chatType = "thread"
		chatID = chat.GroupID
	}

	replacer := strings.NewReplacer(
		"{channel}", channelType,
		"{peer}", peerID,
		"{chat_type}", chatType,
		"{chat_id}", chatID,
	)
	return replacer.Replace(template)
}
