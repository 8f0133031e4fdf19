// Package events defines the player activity events published by the
// presence server and the bus that carries them to observers.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Session lifecycle
	EventPlayerLogin   EventType = "player_login"
	EventPlayerLogout  EventType = "player_logout"
	EventSessionClosed EventType = "session_closed"

	// Presence and buddies
	EventPlayerStatus    EventType = "player_status"
	EventBuddyMessage    EventType = "buddy_message"
	EventBuddyRequest    EventType = "buddy_request"
	EventBuddyAuthorized EventType = "buddy_authorized"

	// Search
	EventProfileSearch EventType = "profile_search"

	// System
	EventShutdown EventType = "shutdown"
)

// PresenceStatus is the GP status code a client reports with \status\.
type PresenceStatus int

const (
	StatusOffline PresenceStatus = iota
	StatusOnline
	StatusPlaying
	StatusStaging
	StatusChatting
	StatusAway
)

var presenceStatusStrings = map[PresenceStatus]string{
	StatusOffline:  "offline",
	StatusOnline:   "online",
	StatusPlaying:  "playing",
	StatusStaging:  "staging",
	StatusChatting: "chatting",
	StatusAway:     "away",
}

// String returns the lowercase name of the status.
func (s PresenceStatus) String() string {
	if str, ok := presenceStatusStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes PresenceStatus as a JSON string (e.g. "online").
func (s PresenceStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Time    time.Time
	Payload interface{}
}

// LoginPayload is emitted after a successful login.
type LoginPayload struct {
	ProfileID  int    `json:"profileid"`
	UserID     string `json:"userid"`
	UniqueNick string `json:"uniquenick"`
	GameID     string `json:"gameid"`
	Console    string `json:"console"`
	RemoteIP   string `json:"remote_ip"`
	NewAccount bool   `json:"new_account"`
	Verified   bool   `json:"verified"`
}

// LogoutPayload is emitted when a client deletes its session.
type LogoutPayload struct {
	ProfileID int `json:"profileid"`
}

// StatusPayload is emitted for every \status\ update. Qualifier is the code
// as sent; Status is zero when it is not numeric.
type StatusPayload struct {
	ProfileID  int            `json:"profileid"`
	GameID     string         `json:"gameid"`
	Qualifier  string         `json:"qualifier"`
	Status     PresenceStatus `json:"status"`
	StatString string         `json:"statstring"`
	LocString  string         `json:"locstring"`
	Recipients int            `json:"recipients"`
}

// BuddyMessagePayload describes a relayed buddy message.
type BuddyMessagePayload struct {
	From      int  `json:"from"`
	To        int  `json:"to"`
	Delivered bool `json:"delivered"`
}

// BuddyPayload is used for buddy requests and authorizations.
type BuddyPayload struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// SessionClosedPayload is emitted when a presence connection ends.
type SessionClosedPayload struct {
	ConnID    string        `json:"conn_id"`
	ProfileID int           `json:"profileid"`
	Reason    string        `json:"reason"`
	Duration  time.Duration `json:"duration_ns"`
}

// SearchPayload summarizes one otherslist lookup.
type SearchPayload struct {
	Requested int `json:"requested"`
	Resolved  int `json:"resolved"`
}
