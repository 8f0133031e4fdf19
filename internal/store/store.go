// Package store persists accounts, login sessions and buddy relations for
// the presence server.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrProfileNotFound is returned when no profile matches a lookup.
	ErrProfileNotFound = errors.New("profile not found")
	// ErrInvalidCredentials is returned by Login when the password is wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrSessionNotFound is returned for unknown session keys.
	ErrSessionNotFound = errors.New("session not found")
	// ErrRelationNotFound is returned when authorizing a buddy request that
	// was never made.
	ErrRelationNotFound = errors.New("buddy relation not found")
)

// Profile is the persisted account and display record.
type Profile struct {
	ProfileID   int    `json:"profileid"`
	UserID      string `json:"userid"`
	UniqueNick  string `json:"uniquenick"`
	Email       string `json:"email"`
	Pid         string `json:"pid"`
	FirstName   string `json:"firstname"`
	LastName    string `json:"lastname"`
	Lon         string `json:"lon"`
	Lat         string `json:"lat"`
	Loc         string `json:"loc"`
	Stat        string `json:"stat"`
	ZipCode     string `json:"zipcode"`
	CountryCode string `json:"countrycode"`
	Birth       string `json:"birth"`
	BrandCode   string `json:"gsbrcd"`
	Console     int    `json:"console"`
	Serial      string `json:"csnum,omitempty"`
	FriendCode  string `json:"cfc,omitempty"`
	NetworkID   string `json:"bssid,omitempty"`
	DeviceName  string `json:"devname,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewUser carries everything needed to create an account at first login.
type NewUser struct {
	UserID     string
	Password   string
	Email      string
	UniqueNick string
	BrandCode  string
	Console    int
	Serial     string
	FriendCode string
	NetworkID  string
	DeviceName string
	Birth      string
}

// Field is one key/value pair of a profile update, in the order the client
// sent it.
type Field struct {
	Key   string
	Value string
}

// Buddy is one entry of a profile's buddy list.
type Buddy struct {
	ProfileID  int  `json:"profileid"`
	Authorized bool `json:"authorized"`
	Blocked    bool `json:"blocked"`
}

// ProfileStore is the persistence contract used by the protocol handlers.
// Implementations must be safe for concurrent use.
type ProfileStore interface {
	UserExists(ctx context.Context, userID, brandCode string) (bool, error)
	CreateUser(ctx context.Context, u NewUser) (int, error)
	// Login returns the profile id for valid credentials, ErrProfileNotFound
	// for an unknown user and ErrInvalidCredentials for a bad password.
	Login(ctx context.Context, userID, password, brandCode string) (int, error)

	CreateSession(ctx context.Context, profileID int) (string, error)
	DeleteSession(ctx context.Context, sessionKey string) error

	GetProfileBySessionKey(ctx context.Context, sessionKey string) (*Profile, error)
	GetProfileByProfileID(ctx context.Context, profileID int) (*Profile, error)
	// UpdateProfile applies fields to the profile owning sessionKey. Keys that
	// are not updatable profile columns are ignored.
	// When two fields map to the same column the later one wins.
	UpdateProfile(ctx context.Context, sessionKey string, fields []Field) error

	GetBuddyList(ctx context.Context, profileID int) ([]Buddy, error)
	AddBuddy(ctx context.Context, profileID, newProfileID int) error
	AuthBuddy(ctx context.Context, profileID, fromProfileID int) error
}

// Maintainer is implemented by stores that expire old sessions.
type Maintainer interface {
	PruneSessions(ctx context.Context, olderThan time.Duration) (int64, error)
}
