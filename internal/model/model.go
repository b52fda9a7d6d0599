// Package model holds the chat domain entities mirrored from the remote tree and the
// path scheme they live under. Entities are immutable values; the With* methods return
// modified copies.
package model

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrInvalidEntity = errors.New("invalid entity")
)

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Chat is the summary of a conversation, stored at chats/{id} and, as a membership
// link, under users/{uid}/chats/{id}.
type Chat struct {
	ID            string `json:"-"`
	Title         string `json:"title,omitempty"`
	LastMessage   string `json:"lastMessage,omitempty"`
	LastSenderID  string `json:"lastSenderId,omitempty"`
	LastMessageAt int64  `json:"lastMessageAt,omitempty"`
	CreatedBy     string `json:"createdBy,omitempty"`
}

func (c Chat) Identity() string { return c.ID }

func (c Chat) LastMessageTime() time.Time {
	return millis(c.LastMessageAt)
}

// DisplayTitle falls back to fallback when the chat has no title.
func (c Chat) DisplayTitle(fallback string) string {
	if title := strings.TrimSpace(c.Title); title != "" {
		return title
	}
	return fallback
}

func (c Chat) WithTitle(title string) Chat {
	c.Title = title
	return c
}

func (c Chat) WithLastMessage(m Message) Chat {
	c.LastMessage = m.Text
	c.LastSenderID = m.SenderID
	c.LastMessageAt = m.SentAt
	return c
}

// Chatter is one member of a chat roster at chatters/{chatId}/{userId}.
type Chatter struct {
	ID       string `json:"-"`
	ChatID   string `json:"-"`
	Name     string `json:"name,omitempty"`
	JoinedAt int64  `json:"joinedAt,omitempty"`
}

func (c Chatter) Identity() string { return c.ID }

func (c Chatter) JoinedTime() time.Time {
	return millis(c.JoinedAt)
}

func (c Chatter) AvatarKey() string {
	return AvatarKey(c.ID)
}

func (c Chatter) WithName(name string) Chatter {
	c.Name = name
	return c
}

// Contact is an address book entry at users/{uid}/contacts/{contactId}.
type Contact struct {
	ID     string `json:"-"`
	UserID string `json:"userId,omitempty"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Phone  string `json:"phone,omitempty"`
}

func (c Contact) Identity() string { return c.ID }

// Matches reports whether query appears in the contact's name, email or phone,
// ignoring case. An empty query matches everything.
func (c Contact) Matches(query string) bool {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return true
	}
	for _, field := range []string{c.Name, c.Email, c.Phone} {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}
	return false
}

func (c Contact) AvatarKey() string {
	return AvatarKey(c.UserID)
}

func (c Contact) WithName(name string) Contact {
	c.Name = name
	return c
}

// Message lives at messages/{chatId}/{messageId}.
type Message struct {
	ID              string `json:"-"`
	ChatID          string `json:"-"`
	SenderID        string `json:"senderId"`
	Text            string `json:"text,omitempty"`
	SentAt          int64  `json:"sentAt"`
	AudioKey        string `json:"audioKey,omitempty"`
	TranscriptionID string `json:"transcriptionId,omitempty"`
}

func (m Message) Identity() string { return m.ID }

func (m Message) SentTime() time.Time {
	return millis(m.SentAt)
}

func (m Message) IsFrom(userID string) bool {
	return m.SenderID != "" && m.SenderID == userID
}

func (m Message) HasAudio() bool {
	return m.AudioKey != ""
}

func (m Message) WithText(text string) Message {
	m.Text = text
	return m
}

// Profile is the public profile at profiles/{userId}.
type Profile struct {
	ID     string `json:"-"`
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

func (p Profile) Identity() string { return p.ID }

func (p Profile) ImageKey() string {
	return ProfileImageKey(p.ID)
}

func (p Profile) WithName(name string) Profile {
	p.Name = name
	return p
}

func (p Profile) WithStatus(status string) Profile {
	p.Status = status
	return p
}

type TranscriptionStatus string

const (
	TranscriptionPending TranscriptionStatus = "pending"
	TranscriptionRunning TranscriptionStatus = "running"
	TranscriptionDone    TranscriptionStatus = "done"
	TranscriptionFailed  TranscriptionStatus = "failed"
)

// TranscriptionJob tracks speech-to-text work for an audio message, stored at
// users/{uid}/transcriptions/{jobId}.
type TranscriptionJob struct {
	ID        string              `json:"-"`
	ChatID    string              `json:"chatId"`
	MessageID string              `json:"messageId"`
	Status    TranscriptionStatus `json:"status"`
	Text      string              `json:"text,omitempty"`
	Error     string              `json:"error,omitempty"`
	UpdatedAt int64               `json:"updatedAt,omitempty"`
}

func (j TranscriptionJob) Identity() string { return j.ID }

func (j TranscriptionJob) Finished() bool {
	return j.Status == TranscriptionDone || j.Status == TranscriptionFailed
}

func (j TranscriptionJob) UpdatedTime() time.Time {
	return millis(j.UpdatedAt)
}

func (j TranscriptionJob) WithStatus(status TranscriptionStatus) TranscriptionJob {
	j.Status = status
	return j
}

func (j TranscriptionJob) WithText(text string) TranscriptionJob {
	j.Text = text
	return j
}
