// Package sessions — session key builder and parser.
//
// A session key names the serialization unit for dispatch: everything
// enqueued under one key runs in order, never overlapping. Keys follow
// the canonical format:
//
//	{channelId}:{chatId}
//
// Examples:
//
//	telegram-main:386246614
//	feishu-hq:oc_f1a2b3
//
// The per-conversation project path handed to agent runtimes is derived
// from the same two parts under the configured workspace directory.
package sessions

import (
	"path/filepath"
	"strings"
)

// Key builds the canonical session key for a channel conversation.
func Key(channelID, chatID string) string {
	return channelID + ":" + chatID
}

// ParseKey splits a session key back into channel id and chat id.
// Chat ids may themselves contain ":"; only the first separator counts.
// Returns ("", "") if the key is not in the expected format.
func ParseKey(key string) (channelID, chatID string) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", ""
	}
	return parts[0], parts[1]
}

// ProjectPath derives the workspace directory for one conversation.
// Path separators in ids are flattened so a chat id can never escape
// the workspace root.
func ProjectPath(workspace, channelID, chatID string) string {
	return filepath.Join(workspace, sanitize(channelID), sanitize(chatID))
}

func sanitize(part string) string {
	part = strings.ReplaceAll(part, "/", "_")
	part = strings.ReplaceAll(part, "\\", "_")
	part = strings.ReplaceAll(part, "..", "_")
	if part == "" {
		return "_"
	}
	return part
}
