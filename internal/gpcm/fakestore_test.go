package gpcm

import (
	"context"
	"fmt"
	"sync"

	"github.com/energizer-project/gpcm/internal/store"
)

// memStore is an in-memory store.ProfileStore for protocol tests.
type memStore struct {
	mu        sync.Mutex
	nextID    int
	byLogin   map[string]int
	passwords map[int]string
	profiles  map[int]*store.Profile
	sessions  map[string]int
	buddies   map[int][]store.Buddy
	updates   [][]store.Field

	existsErr   error
	existsCalls int
}

func newMemStore() *memStore {
	return &memStore{
		nextID:    100,
		byLogin:   make(map[string]int),
		passwords: make(map[int]string),
		profiles:  make(map[int]*store.Profile),
		sessions:  make(map[string]int),
		buddies:   make(map[int][]store.Buddy),
	}
}

// seed creates an account the way a first login would.
func (m *memStore) seed(userID, password, brand string) int {
	id, err := m.CreateUser(context.Background(), store.NewUser{
		UserID:     userID,
		Password:   password,
		BrandCode:  brand,
		UniqueNick: "nick" + userID,
		Email:      "nick" + userID + "@nds",
	})
	if err != nil {
		panic(err)
	}
	return id
}

func (m *memStore) befriend(a, b int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buddies[a] = append(m.buddies[a], store.Buddy{ProfileID: b, Authorized: true})
	m.buddies[b] = append(m.buddies[b], store.Buddy{ProfileID: a, Authorized: true})
}

func (m *memStore) UserExists(ctx context.Context, userID, brandCode string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.existsCalls++
	if m.existsErr != nil {
		return false, m.existsErr
	}
	_, ok := m.byLogin[userID+"/"+brandCode]
	return ok, nil
}

func (m *memStore) CreateUser(ctx context.Context, u store.NewUser) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.byLogin[u.UserID+"/"+u.BrandCode] = id
	m.passwords[id] = u.Password
	m.profiles[id] = &store.Profile{
		ProfileID:  id,
		UserID:     u.UserID,
		UniqueNick: u.UniqueNick,
		Email:      u.Email,
		Pid:        "11",
		Lon:        "0.000000",
		Lat:        "0.000000",
		BrandCode:  u.BrandCode,
		Console:    u.Console,
	}
	return id, nil
}

func (m *memStore) Login(ctx context.Context, userID, password, brandCode string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byLogin[userID+"/"+brandCode]
	if !ok {
		return 0, store.ErrProfileNotFound
	}
	if m.passwords[id] != password {
		return 0, store.ErrInvalidCredentials
	}
	return id, nil
}

func (m *memStore) CreateSession(ctx context.Context, profileID int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%09d", 100000000+len(m.sessions)+profileID)
	m.sessions[key] = profileID
	return key, nil
}

func (m *memStore) DeleteSession(ctx context.Context, sessionKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionKey]; !ok {
		return store.ErrSessionNotFound
	}
	delete(m.sessions, sessionKey)
	return nil
}

func (m *memStore) hasSession(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[key]
	return ok
}

func (m *memStore) GetProfileBySessionKey(ctx context.Context, sessionKey string) (*store.Profile, error) {
	m.mu.Lock()
	id, ok := m.sessions[sessionKey]
	m.mu.Unlock()
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	return m.GetProfileByProfileID(ctx, id)
}

func (m *memStore) GetProfileByProfileID(ctx context.Context, profileID int) (*store.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[profileID]
	if !ok {
		return nil, store.ErrProfileNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) UpdateProfile(ctx context.Context, sessionKey string, fields []store.Field) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionKey]; !ok {
		return store.ErrSessionNotFound
	}
	m.updates = append(m.updates, fields)
	return nil
}

func (m *memStore) GetBuddyList(ctx context.Context, profileID int) ([]store.Buddy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Buddy(nil), m.buddies[profileID]...), nil
}

func (m *memStore) AddBuddy(ctx context.Context, profileID, newProfileID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buddies[profileID] = append(m.buddies[profileID], store.Buddy{ProfileID: newProfileID})
	return nil
}

func (m *memStore) AuthBuddy(ctx context.Context, profileID, fromProfileID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, b := range m.buddies[fromProfileID] {
		if b.ProfileID == profileID {
			m.buddies[fromProfileID][i].Authorized = true
			return nil
		}
	}
	return store.ErrRelationNotFound
}

func (m *memStore) relation(owner, buddy int) (store.Buddy, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.buddies[owner] {
		if b.ProfileID == buddy {
			return b, true
		}
	}
	return store.Buddy{}, false
}
