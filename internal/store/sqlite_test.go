package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestStore(t *testing.T) (*SQLiteStore, *time.Time) {
	t.Helper()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s, err := Open(filepath.Join(t.TempDir(), "gpcm.db"), Options{
		BcryptCost: bcrypt.MinCost,
		Now:        func() time.Time { return now },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, &now
}

func createTestUser(t *testing.T, s *SQLiteStore, userID string) int {
	t.Helper()
	pid, err := s.CreateUser(context.Background(), NewUser{
		UserID:     userID,
		Password:   "secret",
		Email:      userID + "@nds",
		UniqueNick: "nick" + userID,
		BrandCode:  "ADAJ12345",
		Console:    0,
		DeviceName: "ds",
	})
	require.NoError(t, err)
	require.NotZero(t, pid)
	return pid
}

func TestUserLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	exists, err := s.UserExists(ctx, "100", "ADAJ12345")
	require.NoError(t, err)
	assert.False(t, exists)

	pid := createTestUser(t, s, "100")

	exists, err = s.UserExists(ctx, "100", "ADAJ12345")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.UserExists(ctx, "100", "OTHER")
	require.NoError(t, err)
	assert.False(t, exists)

	got, err := s.Login(ctx, "100", "secret", "ADAJ12345")
	require.NoError(t, err)
	assert.Equal(t, pid, got)

	_, err = s.Login(ctx, "100", "wrong", "ADAJ12345")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = s.Login(ctx, "999", "secret", "ADAJ12345")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestProfileDefaults(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)
	pid := createTestUser(t, s, "200")

	p, err := s.GetProfileByProfileID(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, pid, p.ProfileID)
	assert.Equal(t, "200", p.UserID)
	assert.Equal(t, "nick200", p.UniqueNick)
	assert.Equal(t, "200@nds", p.Email)
	assert.Equal(t, "11", p.Pid)
	assert.Equal(t, "0.000000", p.Lon)
	assert.Equal(t, "0.000000", p.Lat)
	assert.Equal(t, "ds", p.DeviceName)
	assert.Equal(t, now.Unix(), p.CreatedAt.Unix())

	_, err = s.GetProfileByProfileID(ctx, pid+100)
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestSessions(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)
	pid := createTestUser(t, s, "300")

	key, err := s.CreateSession(ctx, pid)
	require.NoError(t, err)
	assert.Len(t, key, sessionKeyLength)
	assert.NotEqual(t, byte('0'), key[0])

	p, err := s.GetProfileBySessionKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, pid, p.ProfileID)

	// A new session replaces the previous one.
	key2, err := s.CreateSession(ctx, pid)
	require.NoError(t, err)
	_, err = s.GetProfileBySessionKey(ctx, key)
	if key != key2 {
		assert.ErrorIs(t, err, ErrSessionNotFound)
	}

	require.NoError(t, s.DeleteSession(ctx, key2))
	assert.ErrorIs(t, s.DeleteSession(ctx, key2), ErrSessionNotFound)

	_, err = s.CreateSession(ctx, pid)
	require.NoError(t, err)

	*now = now.Add(2 * time.Hour)
	n, err := s.PruneSessions(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestUpdateProfile(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	pid := createTestUser(t, s, "400")

	key, err := s.CreateSession(ctx, pid)
	require.NoError(t, err)

	err = s.UpdateProfile(ctx, key, []Field{
		{Key: "firstname", Value: "Wii:2555151656076614@WR9E"},
		{Key: "zipcode", Value: "12345"},
		{Key: "userid", Value: "hijack"},
		{Key: "password", Value: "x"},
		{Key: "loc", Value: "first"},
		{Key: "loc", Value: "second"},
	})
	require.NoError(t, err)

	p, err := s.GetProfileByProfileID(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, "Wii:2555151656076614@WR9E", p.FirstName)
	assert.Equal(t, "12345", p.ZipCode)
	assert.Equal(t, "400", p.UserID)
	assert.Equal(t, "second", p.Loc)

	assert.NoError(t, s.UpdateProfile(ctx, key, []Field{{Key: "unknown", Value: "1"}}))
	assert.ErrorIs(t, s.UpdateProfile(ctx, "000000000", []Field{{Key: "lastname", Value: "x"}}), ErrSessionNotFound)
}

func TestBuddies(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	a := createTestUser(t, s, "500")
	b := createTestUser(t, s, "501")

	buddies, err := s.GetBuddyList(ctx, a)
	require.NoError(t, err)
	assert.Empty(t, buddies)

	require.NoError(t, s.AddBuddy(ctx, a, b))
	require.NoError(t, s.AddBuddy(ctx, a, b))

	buddies, err = s.GetBuddyList(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []Buddy{{ProfileID: b}}, buddies)

	// b authorizes a's request.
	require.NoError(t, s.AuthBuddy(ctx, b, a))
	buddies, err = s.GetBuddyList(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []Buddy{{ProfileID: b, Authorized: true}}, buddies)

	assert.ErrorIs(t, s.AuthBuddy(ctx, a, b), ErrRelationNotFound)
}
