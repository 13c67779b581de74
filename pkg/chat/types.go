// Package chat holds the domain model shared by the coaching chat session code:
// users, messages, conversations and the fixed agent identity.
package chat

import (
	"net/url"
	"strings"
	"time"
)

// Role tells whether a message was written by the user or by the agent.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// NormalizeRole maps the role strings found in stored history onto Role.
// The memory backend records agent turns as "assistant".
func NormalizeRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "assistant", "agent", "ai", "coach":
		return RoleAgent
	default:
		return RoleUser
	}
}

const (
	DefaultAgentID   = "ai_coach_1"
	DefaultAgentName = "AI Coach"

	ChannelKind = "messaging"
	ChannelName = "AI Coach Chat"

	WelcomeText  = "Hello! I'm your AI coach. How can I help you today?"
	FallbackText = "I'm sorry, I'm having trouble responding right now. Please try again in a moment."

	agentImage = "https://ui-avatars.com/api/?name=AI+Coach&background=007bff&color=fff"
)

// User is a chat participant. Identity is supplied by the caller.
type User struct {
	ID          string `json:"id" yaml:"id"`
	DisplayName string `json:"name" yaml:"name"`
	Image       string `json:"image,omitempty" yaml:"image,omitempty"`
}

// AvatarURL returns the explicit image if set, otherwise a generated avatar for the display name.
func (u User) AvatarURL() string {
	if u.Image != "" {
		return u.Image
	}
	return "https://ui-avatars.com/api/?name=" + url.QueryEscape(u.DisplayName) + "&background=random"
}

// Agent returns the automated counterparty identity.
func Agent(id, name string) User {
	if id == "" {
		id = DefaultAgentID
	}
	if name == "" {
		name = DefaultAgentName
	}
	return User{ID: id, DisplayName: name, Image: agentImage}
}

// Author identifies who wrote a message.
type Author struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
}

type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Author    Author    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
	Role      Role      `json:"role"`
}

type ChannelMetadata struct {
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is the merged view of every stored history entry that shares one channel.
type Conversation struct {
	ChannelID string           `json:"channel_id"`
	Messages  []Message        `json:"messages"`
	Metadata  *ChannelMetadata `json:"channel_metadata,omitempty"`
}
