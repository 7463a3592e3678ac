package models

import (
	"strings"
	"time"
)

// Participant is the identity the rest of the system works with.
//
// It comes from the identity provider (JWT claims) and is never mutated
// by the chat core. Every component only reads ID and DisplayName.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Profile is a row in the profiles table.
//
// PasswordHash is tagged json:"-" so a profile can be returned from the
// API without leaking the bcrypt hash.
type Profile struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Participant derives the chat identity for this profile.
func (p *Profile) Participant() Participant {
	return Participant{
		ID:          p.ID,
		DisplayName: DisplayNameFor(p.DisplayName, p.Username, p.Email),
	}
}

// DisplayNameFor picks the first usable name: explicit display name,
// username, the local part of the email, then "User".
func DisplayNameFor(displayName, username, email string) string {
	if name := strings.TrimSpace(displayName); name != "" {
		return name
	}
	if name := strings.TrimSpace(username); name != "" {
		return name
	}
	if local, _, ok := strings.Cut(email, "@"); ok && strings.TrimSpace(local) != "" {
		return strings.TrimSpace(local)
	}
	return "User"
}

// Message is a single chat message in a room.
//
// ID is a string because two kinds of ids live in the same list on the
// client side: durable ids (uuid from the store) and temporary ids
// ("temp-<uuid>") for optimistic sends that the store hasn't confirmed yet.
type Message struct {
	ID                string    `json:"id"`
	Content           string    `json:"content"`
	AuthorID          string    `json:"user_id"`
	AuthorDisplayName string    `json:"username"`
	AvatarURL         string    `json:"avatar_url,omitempty"`
	RoomID            string    `json:"channel_id"`
	CreatedAt         time.Time `json:"created_at"`
}

// NewMessage is what a participant submits. The store assigns ID and CreatedAt.
type NewMessage struct {
	Content           string
	AuthorID          string
	AuthorDisplayName string
	AvatarURL         string
	RoomID            string
}

// MatchStatus is the lifecycle state of a match. Only active -> ended is allowed.
type MatchStatus string

const (
	MatchActive MatchStatus = "active"
	MatchEnded  MatchStatus = "ended"
)

// Match pairs two participants in a shared channel.
//
// ChannelID is a pure function of the two user ids (see PairChannelID),
// so the same two people always land in the same room while a match is active.
type Match struct {
	ID        string      `json:"id"`
	UserAID   string      `json:"user1_id"`
	UserBID   string      `json:"user2_id"`
	ChannelID string      `json:"channel_id"`
	Status    MatchStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// Involves reports whether userID is one of the two participants.
func (m *Match) Involves(userID string) bool {
	return m.UserAID == userID || m.UserBID == userID
}

// PeerOf returns the other participant's id, or "" if userID is not in the match.
func (m *Match) PeerOf(userID string) string {
	switch userID {
	case m.UserAID:
		return m.UserBID
	case m.UserBID:
		return m.UserAID
	}
	return ""
}

// SortedPair returns the two ids in lexicographic order.
func SortedPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// PairKey is the unordered-pair key used by the ephemeral match map.
func PairKey(a, b string) string {
	lo, hi := SortedPair(a, b)
	return lo + "-" + hi
}

// MatchChannelPrefix starts every match channel id. Directory ids may not use it.
const MatchChannelPrefix = "match-"

// PairChannelID is the deterministic channel id for a pair of users.
func PairChannelID(a, b string) string {
	return MatchChannelPrefix + PairKey(a, b)
}

func IsMatchChannel(id string) bool {
	return strings.HasPrefix(id, MatchChannelPrefix)
}

// RoomType distinguishes text rooms from voice rooms. Parent channels are "category".
type RoomType string

const (
	RoomText     RoomType = "text"
	RoomVoice    RoomType = "voice"
	TypeCategory RoomType = "category"
)

// Channel is a parent entry in the directory. It owns zero or more rooms.
type Channel struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ServerID   string    `json:"server_id"`
	OrderIndex int       `json:"order_index"`
	CreatedBy  string    `json:"created_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Room is a child entry of a Channel. Messages are scoped to a room id.
//
// UnreadCount is not stored. The directory fills it in when the caller
// passes a "since" timestamp when listing rooms.
type Room struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ParentID    string    `json:"parent_id"`
	ServerID    string    `json:"server_id"`
	Type        RoomType  `json:"type"`
	OrderIndex  int       `json:"order_index"`
	UnreadCount int       `json:"unread_count"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChannelWithRooms is the shape the sidebar needs: a channel and its rooms, ordered.
type ChannelWithRooms struct {
	Channel
	Rooms []Room `json:"rooms"`
}

// PresenceEntry is one live participant in a room. It exists only while
// the participant's subscription is live.
type PresenceEntry struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"username"`
	JoinedAt    time.Time `json:"online_at"`
}

// TypingUser is broadcast on the typing topic and kept in the receiver's
// "currently typing" set until it expires.
type TypingUser struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"username"`
}
