package model

import (
	"fmt"
	"strings"
)

// ValidateID rejects ids that cannot be used as a single path segment.
func ValidateID(kind, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: empty %s id", ErrInvalidInput, kind)
	}
	if id == "." || id == ".." || strings.ContainsAny(id, "/#$[]") {
		return fmt.Errorf("%w: bad %s id %q", ErrInvalidInput, kind, id)
	}
	return nil
}

func UserChatsPath(userID string) string {
	return "users/" + userID + "/chats"
}

// UserChatPath is the membership link from a user to a chat.
func UserChatPath(userID, chatID string) string {
	return UserChatsPath(userID) + "/" + chatID
}

func ChatPath(chatID string) string {
	return "chats/" + chatID
}

func ChattersPath(chatID string) string {
	return "chatters/" + chatID
}

func ChatterPath(chatID, userID string) string {
	return ChattersPath(chatID) + "/" + userID
}

func MessagesPath(chatID string) string {
	return "messages/" + chatID
}

func MessagePath(chatID, messageID string) string {
	return MessagesPath(chatID) + "/" + messageID
}

func UserContactsPath(userID string) string {
	return "users/" + userID + "/contacts"
}

func UserTranscriptionsPath(userID string) string {
	return "users/" + userID + "/transcriptions"
}

func ProfilesPath() string {
	return "profiles"
}

func ProfilePath(userID string) string {
	return "profiles/" + userID
}

// AvatarKey is the resource key of a user's chat avatar.
func AvatarKey(userID string) string {
	if strings.TrimSpace(userID) == "" {
		return ""
	}
	return "users/" + userID + ".jpg"
}

// ProfileImageKey is the resource key of a user's profile picture.
func ProfileImageKey(userID string) string {
	if strings.TrimSpace(userID) == "" {
		return ""
	}
	return "profile_images/" + userID + ".jpg"
}

// lastSegment returns the final segment of a slash path.
func lastSegment(path string) string {
	path = strings.Trim(path, "/")
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}
