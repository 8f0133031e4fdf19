package gpcm

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/gpcm/internal/events"
	"github.com/energizer-project/gpcm/internal/gpauth"
	"github.com/energizer-project/gpcm/internal/network"
	"github.com/energizer-project/gpcm/internal/protocol"
	"github.com/energizer-project/gpcm/internal/store"
)

const (
	testBrand           = "ADAJ12345"
	testTokenChallenge  = "ABCDEFGH"
	testClientChallenge = "0123456789abcdef0123456789abcdef"
	loopbackIP          = "2130706433"
)

func startServer(t *testing.T, st *memStore, opts Options, bus *events.EventBus) (*Server, string) {
	t.Helper()

	srv := NewServer(st, nil, bus, opts)
	l := network.NewTCPListener("gpcm-test", "127.0.0.1:0", srv)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Listen(ctx))

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv, l.Addr().String()
}

type client struct {
	t       *testing.T
	conn    net.Conn
	dec     *protocol.Decoder
	pending []protocol.Message

	challenge string
	token     string
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &client{t: t, conn: conn, dec: protocol.NewDecoder(0)}
	lc := c.next()
	require.Equal(t, protocol.CmdLoginChallenge, lc.Command)
	require.Equal(t, protocol.LCChallenge, lc.Qualifier)
	c.challenge = lc.GetDefault("challenge", "")
	require.Len(t, c.challenge, gpauth.ChallengeLength)
	assert.Equal(t, "1", lc.GetDefault("id", ""))
	return c
}

func (c *client) send(m *protocol.Message) {
	c.t.Helper()
	_, err := c.conn.Write(m.Bytes())
	require.NoError(c.t, err)
}

func (c *client) read(timeout time.Duration) (protocol.Message, error) {
	buf := make([]byte, 4096)
	for len(c.pending) == 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
		n, err := c.conn.Read(buf)
		if n > 0 {
			msgs, _ := c.dec.Feed(buf[:n])
			c.pending = append(c.pending, msgs...)
		}
		if err != nil && len(c.pending) == 0 {
			return protocol.Message{}, err
		}
	}
	m := c.pending[0]
	c.pending = c.pending[1:]
	return m, nil
}

func (c *client) next() protocol.Message {
	c.t.Helper()
	m, err := c.read(2 * time.Second)
	require.NoError(c.t, err)
	return m
}

// expectSilence asserts nothing arrives for d.
func (c *client) expectSilence(d time.Duration) {
	c.t.Helper()
	m, err := c.read(d)
	if err == nil {
		c.t.Fatalf("unexpected message %s", m)
	}
	var ne net.Error
	require.True(c.t, errors.As(err, &ne) && ne.Timeout(), "unexpected error %v", err)
}

func (c *client) loginRequest(userID, password, brand string) *protocol.Message {
	c.token = protocol.EncodeAuthToken([]protocol.Field{
		{Key: protocol.TokenUserID, Value: userID},
		{Key: protocol.TokenPassword, Value: password},
		{Key: protocol.TokenBrandCode, Value: brand},
		{Key: protocol.TokenChallenge, Value: testTokenChallenge},
	})
	return protocol.NewMessage(protocol.CmdLogin, "").
		Add("challenge", testClientChallenge).
		Add("authtoken", c.token).
		Add("partnerid", "11").
		Add("response", c.handshake().Response()).
		Add("firewall", "1").
		Add("port", "0").
		Add("productid", "11059").
		Add("gamename", "mariokartwii").
		Add("namespaceid", "16").
		Add("id", "1")
}

func (c *client) login(userID, password string) protocol.Message {
	c.t.Helper()
	c.send(c.loginRequest(userID, password, testBrand))
	return c.next()
}

func (c *client) handshake() gpauth.Handshake {
	return gpauth.Handshake{
		ServerChallenge: c.challenge,
		TokenChallenge:  testTokenChallenge,
		ClientChallenge: testClientChallenge,
		AuthToken:       c.token,
	}
}

func mustLogin(t *testing.T, c *client, userID, password string) int {
	t.Helper()
	reply := c.login(userID, password)
	require.Equal(t, protocol.CmdLoginChallenge, reply.Command, "got %s", reply)
	require.Equal(t, protocol.LCAccepted, reply.Qualifier)
	pid, err := reply.GetInt("profileid")
	require.NoError(t, err)
	return pid
}

func TestLogin_NewAccountRegistersSession(t *testing.T) {
	st := newMemStore()
	srv, addr := startServer(t, st, DefaultOptions(), nil)

	c := dial(t, addr)
	reply := c.login("2000000000000", "123")

	require.Equal(t, protocol.LCAccepted, reply.Qualifier, "got %s", reply)
	pid, err := reply.GetInt("profileid")
	require.NoError(t, err)
	assert.Equal(t, c.handshake().Proof(), reply.GetDefault("proof", ""))
	assert.Equal(t, "2000000000000", reply.GetDefault("userid", ""))
	assert.Equal(t, "1q6kkk800"+testBrand, reply.GetDefault("uniquenick", ""))
	assert.Len(t, reply.GetDefault("sesskey", ""), 9)
	assert.NotEmpty(t, reply.GetDefault("lt", ""))
	assert.Equal(t, "1", reply.GetDefault("id", ""))

	peer, ok := srv.Registry().Lookup(pid)
	require.True(t, ok)
	info := peer.Info()
	assert.Equal(t, "ADAJ", info.GameID)
	assert.Equal(t, StateAuthenticated.String(), info.State)

	profile, err := st.GetProfileByProfileID(context.Background(), pid)
	require.NoError(t, err)
	assert.Equal(t, "1q6kkk800ADAJ12345@nds", profile.Email)
	assert.Equal(t, int(protocol.ConsoleNDS), profile.Console)
}

func TestLogin_ExistingAccount(t *testing.T) {
	st := newMemStore()
	pid := st.seed("42", "pw", testBrand)
	_, addr := startServer(t, st, DefaultOptions(), nil)

	c := dial(t, addr)
	assert.Equal(t, pid, mustLogin(t, c, "42", "pw"))
}

func TestLogin_BadPassword(t *testing.T) {
	st := newMemStore()
	st.seed("42", "right", testBrand)
	srv, addr := startServer(t, st, DefaultOptions(), nil)

	c := dial(t, addr)
	reply := c.login("42", "wrong")
	assert.Equal(t, protocol.CmdError, reply.Command)
	assert.Equal(t, "260", reply.GetDefault("err", ""))
	assert.Zero(t, srv.Registry().Count())

	// The session is still waiting for a login.
	mustLogin(t, c, "42", "right")
	assert.Equal(t, 1, srv.Registry().Count())
}

func TestLogin_LegacyToleratesBadResponse(t *testing.T) {
	st := newMemStore()
	srv, addr := startServer(t, st, DefaultOptions(), nil)

	c := dial(t, addr)
	c.challenge = "WRONGCHL"
	reply := c.login("7", "pw")
	assert.Equal(t, protocol.LCAccepted, reply.Qualifier)
	assert.Equal(t, 1, srv.Registry().Count())
}

func TestLogin_StrictRejectsBadResponse(t *testing.T) {
	st := newMemStore()
	opts := DefaultOptions()
	opts.StrictAuth = true
	srv, addr := startServer(t, st, opts, nil)

	c := dial(t, addr)
	c.challenge = "WRONGCHL"
	reply := c.login("7", "pw")
	assert.Equal(t, protocol.CmdError, reply.Command)
	assert.Equal(t, "260", reply.GetDefault("err", ""))
	assert.Zero(t, srv.Registry().Count())

	st.mu.Lock()
	assert.Zero(t, st.existsCalls, "store must not be consulted")
	st.mu.Unlock()
}

func TestLogin_StoreFailureSendsNothing(t *testing.T) {
	st := newMemStore()
	st.existsErr = errors.New("database is locked")
	srv, addr := startServer(t, st, DefaultOptions(), nil)

	c := dial(t, addr)
	c.send(c.loginRequest("7", "pw", testBrand))

	// The failed login produced no reply: the next message answers getprofile.
	pid := st.seed("8", "pw", testBrand)
	c.send(protocol.NewMessage(protocol.CmdGetProfile, "").AddInt("profileid", pid).Add("id", "5"))

	pi := c.next()
	assert.Equal(t, protocol.CmdProfileInfo, pi.Command)
	assert.Zero(t, srv.Registry().Count())
}

func TestLogin_SecondLoginIgnored(t *testing.T) {
	st := newMemStore()
	_, addr := startServer(t, st, DefaultOptions(), nil)

	c := dial(t, addr)
	mustLogin(t, c, "7", "pw")

	c.send(c.loginRequest("8", "pw", testBrand))
	c.expectSilence(200 * time.Millisecond)
}

func TestDisconnect_UnregistersSession(t *testing.T) {
	st := newMemStore()
	srv, addr := startServer(t, st, DefaultOptions(), nil)

	c := dial(t, addr)
	pid := mustLogin(t, c, "7", "pw")
	_, ok := srv.Registry().Lookup(pid)
	require.True(t, ok)

	c.conn.Close()
	assert.Eventually(t, func() bool {
		_, ok := srv.Registry().Lookup(pid)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReset_UnregistersSession(t *testing.T) {
	st := newMemStore()
	srv, addr := startServer(t, st, DefaultOptions(), nil)

	c := dial(t, addr)
	pid := mustLogin(t, c, "7", "pw")

	tcp, ok := c.conn.(*net.TCPConn)
	require.True(t, ok)
	require.NoError(t, tcp.SetLinger(0))
	tcp.Close()

	assert.Eventually(t, func() bool {
		_, ok := srv.Registry().Lookup(pid)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIdleTimeout_UnregistersSession(t *testing.T) {
	st := newMemStore()
	opts := DefaultOptions()
	opts.IdleTimeout = 300 * time.Millisecond
	srv, addr := startServer(t, st, opts, nil)

	c := dial(t, addr)
	pid := mustLogin(t, c, "7", "pw")
	_, ok := srv.Registry().Lookup(pid)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok := srv.Registry().Lookup(pid)
		return !ok
	}, 3*time.Second, 20*time.Millisecond)
	_, err := c.read(2 * time.Second)
	assert.Error(t, err)
}

func TestHalfClose_QueuedRepliesStillDelivered(t *testing.T) {
	st := newMemStore()
	srv, addr := startServer(t, st, DefaultOptions(), nil)

	c := dial(t, addr)
	c.send(c.loginRequest("7", "pw", testBrand))
	tcp, ok := c.conn.(*net.TCPConn)
	require.True(t, ok)
	require.NoError(t, tcp.CloseWrite())

	reply := c.next()
	assert.Equal(t, protocol.CmdLoginChallenge, reply.Command)
	assert.Equal(t, protocol.LCAccepted, reply.Qualifier)

	_, err := c.read(2 * time.Second)
	assert.True(t, errors.Is(err, io.EOF), "expected EOF after the reply, got %v", err)
	assert.Eventually(t, func() bool { return srv.Registry().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRelogin_ReplacesAndSurvivesOldClose(t *testing.T) {
	st := newMemStore()
	srv, addr := startServer(t, st, DefaultOptions(), nil)

	first := dial(t, addr)
	pid := mustLogin(t, first, "7", "pw")
	second := dial(t, addr)
	require.Equal(t, pid, mustLogin(t, second, "7", "pw"))

	peer, _ := srv.Registry().Lookup(pid)
	secondConn := peer.Info().ConnID

	first.conn.Close()
	time.Sleep(100 * time.Millisecond)

	peer, ok := srv.Registry().Lookup(pid)
	require.True(t, ok)
	assert.Equal(t, secondConn, peer.Info().ConnID)
}

func TestStatus_FansOutToOnlineBuddies(t *testing.T) {
	st := newMemStore()
	aID := st.seed("1", "pw", testBrand)
	bID := st.seed("2", "pw", testBrand)
	cID := st.seed("3", "pw", testBrand)
	st.befriend(aID, bID)
	st.befriend(bID, cID) // c stays offline

	_, addr := startServer(t, st, DefaultOptions(), nil)

	a := dial(t, addr)
	mustLogin(t, a, "1", "pw")

	b := dial(t, addr)
	mustLogin(t, b, "2", "pw")

	// Fetch on connect: A is online in the same game but has sent no status.
	fetched := b.next()
	assert.Equal(t, protocol.BMStatus, fetched.Qualifier)
	assert.Equal(t, itoa(aID), fetched.GetDefault("f", ""))
	assert.Equal(t, "|s||ss||ls||ip|"+loopbackIP+"|p|0|qm|0", fetched.GetDefault("msg", ""))

	b.send(protocol.NewMessage(protocol.CmdStatus, "2").
		Add("sesskey", "x").
		Add("statstring", "InGame").
		Add("locstring", "Track1"))

	got := a.next()
	assert.Equal(t, protocol.CmdBuddyMsg, got.Command)
	assert.Equal(t, protocol.BMStatus, got.Qualifier)
	assert.Equal(t, itoa(bID), got.GetDefault("f", ""))
	assert.Equal(t, "|s|2|ss|InGame|ls|Track1|ip|"+loopbackIP+"|p|0|qm|0", got.GetDefault("msg", ""))

	// Exactly one message per buddy, none to the sender.
	a.expectSilence(150 * time.Millisecond)
	b.expectSilence(150 * time.Millisecond)
}

func TestStatus_NonNumericCodeKeptInEvent(t *testing.T) {
	bus := events.NewEventBus()
	got := make(chan events.StatusPayload, 4)
	bus.Subscribe(events.EventPlayerStatus, "test", func(ctx context.Context, e events.Event) error {
		if p, ok := e.Payload.(events.StatusPayload); ok {
			got <- p
		}
		return nil
	})
	t.Cleanup(bus.Stop)

	st := newMemStore()
	_, addr := startServer(t, st, DefaultOptions(), bus)

	c := dial(t, addr)
	pid := mustLogin(t, c, "7", "pw")
	c.send(protocol.NewMessage(protocol.CmdStatus, "away").Add("statstring", "AFK").Add("locstring", ""))

	select {
	case p := <-got:
		assert.Equal(t, pid, p.ProfileID)
		assert.Equal(t, "away", p.Qualifier)
		assert.Equal(t, events.PresenceStatus(0), p.Status)
		assert.Equal(t, "AFK", p.StatString)
	case <-time.After(2 * time.Second):
		require.Fail(t, "status event not emitted")
	}
}

func TestFetchOnConnect_SameGameOnly(t *testing.T) {
	st := newMemStore()
	aID := st.seed("1", "pw", "AMHE1111")
	bID := st.seed("2", "pw", testBrand)
	st.befriend(aID, bID)
	_, addr := startServer(t, st, DefaultOptions(), nil)

	a := dial(t, addr)
	// A plays a different game.
	a.send(a.loginRequest("1", "pw", "AMHE1111"))
	require.Equal(t, protocol.LCAccepted, a.next().Qualifier)

	b := dial(t, addr)
	mustLogin(t, b, "2", "pw")
	b.expectSilence(150 * time.Millisecond)
}

func TestBuddyMessage_RelayAndSilentDrop(t *testing.T) {
	st := newMemStore()
	_, addr := startServer(t, st, DefaultOptions(), nil)

	a := dial(t, addr)
	aID := mustLogin(t, a, "1", "pw")
	b := dial(t, addr)
	bID := mustLogin(t, b, "2", "pw")

	a.send(protocol.NewMessage(protocol.CmdBuddyMsg, protocol.BMMessage).
		AddInt("t", bID).
		Add("msg", "hello"))
	got := b.next()
	assert.Equal(t, protocol.BMMessage, got.Qualifier)
	assert.Equal(t, itoa(aID), got.GetDefault("f", ""))
	assert.Equal(t, "hello", got.GetDefault("msg", ""))

	// Offline recipient: nothing anywhere, no error to the sender.
	a.send(protocol.NewMessage(protocol.CmdBuddyMsg, protocol.BMMessage).
		AddInt("t", 99999).
		Add("msg", "anyone?"))
	a.send(protocol.NewMessage(protocol.CmdGetProfile, "").AddInt("profileid", aID).Add("id", "3"))
	assert.Equal(t, protocol.CmdProfileInfo, a.next().Command)
	b.expectSilence(150 * time.Millisecond)
}

func TestAddBuddyAndAuthAdd(t *testing.T) {
	st := newMemStore()
	_, addr := startServer(t, st, DefaultOptions(), nil)

	a := dial(t, addr)
	aID := mustLogin(t, a, "1", "pw")
	b := dial(t, addr)
	bID := mustLogin(t, b, "2", "pw")

	a.send(protocol.NewMessage(protocol.CmdAddBuddy, "").
		Add("sesskey", "x").
		AddInt("newprofileid", bID).
		Add("reason", ""))

	req := b.next()
	assert.Equal(t, protocol.BMRequest, req.Qualifier)
	assert.Equal(t, itoa(aID), req.GetDefault("f", ""))
	assert.True(t, strings.HasPrefix(req.GetDefault("msg", ""), "|signed|"))

	rel, ok := st.relation(aID, bID)
	require.True(t, ok)
	assert.False(t, rel.Authorized)

	// Adding again reports the duplicate.
	a.send(protocol.NewMessage(protocol.CmdAddBuddy, "").AddInt("newprofileid", bID).Add("id", "4"))
	dup := a.next()
	assert.Equal(t, protocol.CmdError, dup.Command)
	assert.Equal(t, "1539", dup.GetDefault("err", ""))

	b.send(protocol.NewMessage(protocol.CmdAuthAdd, "").
		Add("sesskey", "y").
		AddInt("fromprofileid", aID))
	note := a.next()
	assert.Equal(t, protocol.BMMessage, note.Qualifier)
	assert.Equal(t, itoa(bID), note.GetDefault("f", ""))
	assert.Equal(t, msgAuthorized, note.GetDefault("msg", ""))

	rel, _ = st.relation(aID, bID)
	assert.True(t, rel.Authorized)
}

func TestGetProfile(t *testing.T) {
	st := newMemStore()
	_, addr := startServer(t, st, DefaultOptions(), nil)

	c := dial(t, addr)
	pid := mustLogin(t, c, "2000000000000", "123")

	c.send(protocol.NewMessage(protocol.CmdGetProfile, "").
		Add("sesskey", "x").
		AddInt("profileid", pid).
		Add("id", "2"))
	pi := c.next()

	assert.Equal(t, protocol.CmdProfileInfo, pi.Command)
	var keys []string
	for _, f := range pi.Fields {
		keys = append(keys, f.Key)
	}
	assert.Equal(t, []string{
		"profileid", "nick", "userid", "email", "sig", "uniquenick", "pid",
		"lastname", "lon", "lat", "loc", "id",
	}, keys)
	assert.Len(t, pi.GetDefault("sig", ""), 32)
	assert.Equal(t, "11", pi.GetDefault("pid", ""))
	assert.Equal(t, "2", pi.GetDefault("id", ""))

	// Unknown profiles get no reply.
	c.send(protocol.NewMessage(protocol.CmdGetProfile, "").AddInt("profileid", 5).Add("id", "3"))
	c.expectSilence(150 * time.Millisecond)
}

func TestUpdateProAndLogout(t *testing.T) {
	st := newMemStore()
	srv, addr := startServer(t, st, DefaultOptions(), nil)

	c := dial(t, addr)
	reply := c.login("7", "pw")
	key := reply.GetDefault("sesskey", "")
	pid, _ := reply.GetInt("profileid")

	c.send(protocol.NewMessage(protocol.CmdUpdatePro, "").
		Add("sesskey", key).
		Add("loc", "Home").
		Add("firstname", "Wii:2555151656076614@WR9E").
		Add("partnerid", "11").
		Add("loc", "Away"))
	c.send(protocol.NewMessage(protocol.CmdKeepAlive, ""))
	c.send(protocol.NewMessage(protocol.CmdLogout, "").Add("sesskey", key))

	assert.Eventually(t, func() bool { return !st.hasSession(key) }, 2*time.Second, 10*time.Millisecond)

	st.mu.Lock()
	require.Len(t, st.updates, 1)
	assert.Equal(t, []store.Field{
		{Key: "loc", Value: "Home"},
		{Key: "firstname", Value: "Wii:2555151656076614@WR9E"},
		{Key: "loc", Value: "Away"},
	}, st.updates[0])
	st.mu.Unlock()

	// Logout keeps the socket and the registration.
	peer, ok := srv.Registry().Lookup(pid)
	require.True(t, ok)
	assert.Equal(t, StateAuthenticated.String(), peer.Info().State)
}

func TestUnknownAndMalformedInputKeepConnection(t *testing.T) {
	st := newMemStore()
	_, addr := startServer(t, st, DefaultOptions(), nil)

	c := dial(t, addr)
	_, err := c.conn.Write([]byte(`junk\nosuchcmd\\final\\bm\1\t\final\`))
	require.NoError(t, err)

	pid := mustLogin(t, c, "7", "pw")
	assert.NotZero(t, pid)
}

func TestLogin_SplitAcrossReads(t *testing.T) {
	st := newMemStore()
	srv, addr := startServer(t, st, DefaultOptions(), nil)

	c := dial(t, addr)
	wire := c.loginRequest("7", "pw", testBrand).Bytes()

	for _, chunk := range [][]byte{wire[:5], wire[5:40], wire[40:]} {
		_, err := c.conn.Write(chunk)
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, protocol.LCAccepted, c.next().Qualifier)
	assert.Equal(t, 1, srv.Registry().Count())
}

func TestIdleTimeoutClosesConnection(t *testing.T) {
	st := newMemStore()
	opts := DefaultOptions()
	opts.IdleTimeout = 100 * time.Millisecond
	_, addr := startServer(t, st, opts, nil)

	c := dial(t, addr)
	_, err := c.read(2 * time.Second)
	assert.Error(t, err)
	var ne net.Error
	assert.False(t, errors.As(err, &ne) && ne.Timeout(), "server should close before the client deadline")
}

func TestEventsEmitted(t *testing.T) {
	bus := events.NewEventBus()
	var (
		mu  sync.Mutex
		got []events.EventType
	)
	bus.SubscribeAll("test", func(ctx context.Context, e events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Type)
		return nil
	})

	st := newMemStore()
	srv, addr := startServer(t, st, DefaultOptions(), bus)

	c := dial(t, addr)
	pid := mustLogin(t, c, "7", "pw")
	c.send(protocol.NewMessage(protocol.CmdStatus, "1").Add("statstring", "Online").Add("locstring", ""))
	c.conn.Close()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range got {
			if e == events.EventSessionClosed {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	bus.Stop()

	_, ok := srv.Registry().Lookup(pid)
	assert.False(t, ok)
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, got, events.EventPlayerLogin)
}

func TestKick(t *testing.T) {
	st := newMemStore()
	srv, addr := startServer(t, st, DefaultOptions(), nil)

	c := dial(t, addr)
	pid := mustLogin(t, c, "7", "pw")

	assert.True(t, srv.Kick(pid, "operator"))
	assert.False(t, srv.Kick(4242, "operator"))

	assert.Eventually(t, func() bool { return srv.Registry().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	_, err := c.read(time.Second)
	assert.Error(t, err)
}
