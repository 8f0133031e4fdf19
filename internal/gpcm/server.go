// Package gpcm implements the GP presence session server: the login
// handshake, per-connection command dispatch and buddy presence relay.
package gpcm

import (
	"context"
	"errors"
	"io"
	"time"

	"golang.org/x/time/rate"

	"github.com/energizer-project/gpcm/internal/events"
	"github.com/energizer-project/gpcm/internal/gpauth"
	"github.com/energizer-project/gpcm/internal/network"
	"github.com/energizer-project/gpcm/internal/protocol"
	"github.com/energizer-project/gpcm/internal/store"
)

const readBufferSize = 4096

// Options tunes per-connection behaviour.
type Options struct {
	// IdleTimeout closes connections that send nothing for this long.
	// Zero disables it.
	IdleTimeout time.Duration
	// MaxBufferBytes bounds an incomplete message; see protocol.Decoder.
	MaxBufferBytes int
	// OutboxSize is the per-session queue length.
	OutboxSize int
	// CommandRate throttles dispatch to this many commands per second per
	// connection. Zero disables throttling.
	CommandRate  float64
	CommandBurst int
	// StrictAuth rejects logins whose challenge response does not verify.
	StrictAuth bool
	// LogWire logs every inbound chunk at debug level.
	LogWire bool
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		MaxBufferBytes: protocol.DefaultMaxBufferSize,
		OutboxSize:     64,
		CommandRate:    20,
		CommandBurst:   40,
	}
}

type handlerFunc func(ctx context.Context, sess *Session, msg protocol.Message) error

// Server serves the presence protocol. It implements network.Handler.
type Server struct {
	store    store.ProfileStore
	registry *Registry
	bus      *events.EventBus
	opts     Options
	handlers map[string]handlerFunc
}

// NewServer creates a Server backed by st. bus may be nil.
func NewServer(st store.ProfileStore, registry *Registry, bus *events.EventBus, opts Options) *Server {
	if registry == nil {
		registry = NewRegistry()
	}
	srv := &Server{
		store:    st,
		registry: registry,
		bus:      bus,
		opts:     opts,
	}
	srv.handlers = map[string]handlerFunc{
		protocol.CmdLogin:      srv.handleLogin,
		protocol.CmdLogout:     srv.handleLogout,
		protocol.CmdGetProfile: srv.handleGetProfile,
		protocol.CmdUpdatePro:  srv.handleUpdatePro,
		protocol.CmdKeepAlive:  srv.handleKeepAlive,
		protocol.CmdStatus:     srv.handleStatus,
		protocol.CmdBuddyMsg:   srv.handleBuddyMessage,
		protocol.CmdAddBuddy:   srv.handleAddBuddy,
		protocol.CmdAuthAdd:    srv.handleAuthAdd,
	}
	return srv
}

// Registry returns the registry of authenticated sessions.
func (srv *Server) Registry() *Registry {
	return srv.registry
}

// Sessions lists the registered sessions ordered by profile id.
func (srv *Server) Sessions() []SessionInfo {
	return srv.registry.Snapshot()
}

// Session returns the session registered for profileID.
func (srv *Server) Session(profileID int) (SessionInfo, bool) {
	p, ok := srv.registry.Lookup(profileID)
	if !ok {
		return SessionInfo{}, false
	}
	return p.Info(), true
}

// Kick closes the session registered for profileID.
func (srv *Server) Kick(profileID int, reason string) bool {
	p, ok := srv.registry.Lookup(profileID)
	if !ok {
		return false
	}
	p.Close(reason)
	return true
}

// ServeConn runs one presence connection until it closes or ctx ends.
func (srv *Server) ServeConn(ctx context.Context, conn *network.Connection) {
	sess := newSession(conn, gpauth.IssueChallenge(), srv.opts.OutboxSize)
	go sess.writeLoop()
	defer srv.teardown(ctx, sess)

	sess.Logger().Info().Msg("presence connection opened")
	sess.Deliver(protocol.NewMessage(protocol.CmdLoginChallenge, protocol.LCChallenge).
		Add("challenge", sess.Challenge()).
		Add("id", "1"))

	stop := context.AfterFunc(ctx, func() { sess.Close("server shutdown") })
	defer stop()

	var limiter *rate.Limiter
	if srv.opts.CommandRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(srv.opts.CommandRate), max(srv.opts.CommandBurst, 1))
	}

	dec := protocol.NewDecoder(srv.opts.MaxBufferBytes)
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf, srv.opts.IdleTimeout)
		if n > 0 {
			if srv.opts.LogWire {
				sess.Logger().Debug().Str("data", string(buf[:n])).Msg("received")
			}

			msgs, ferr := dec.Feed(buf[:n])
			if ferr != nil {
				sess.Logger().Warn().Err(ferr).Msg("dropped malformed message")
			}
			for _, msg := range msgs {
				if limiter != nil {
					if werr := limiter.Wait(ctx); werr != nil {
						return
					}
				}
				srv.dispatch(ctx, sess, msg)
			}
		}
		if err != nil {
			switch {
			case network.IsTimeout(err):
				sess.CloseGracefully("idle timeout")
			case errors.Is(err, io.EOF):
				sess.CloseGracefully("client closed")
			default:
				sess.Close("read error")
			}
			return
		}
	}
}

func (srv *Server) dispatch(ctx context.Context, sess *Session, msg protocol.Message) {
	h, ok := srv.handlers[msg.Command]
	if !ok {
		sess.Logger().Warn().Str("command", msg.Command).Msg("unknown command, ignoring")
		return
	}

	if err := h(ctx, sess, msg); err != nil {
		var missing *protocol.MissingFieldError
		if errors.As(err, &missing) {
			sess.Logger().Warn().Err(err).Msg("command skipped")
			return
		}
		sess.Logger().Error().Err(err).Str("command", msg.Command).Msg("command failed")
	}
}

// teardown runs on every exit path of ServeConn.
func (srv *Server) teardown(ctx context.Context, sess *Session) {
	sess.CloseGracefully("connection ended")
	<-sess.writerDone

	pid := sess.ProfileID()
	if pid != 0 && srv.registry.Unregister(pid, sess) {
		sess.Logger().Debug().Msg("unregistered")
	}

	duration := time.Since(sess.conn.ConnectedAt())
	sess.Logger().Info().
		Str("reason", sess.CloseReason()).
		Dur("duration", duration).
		Msg("presence connection closed")

	srv.bus.Emit(ctx, events.Event{
		Type:   events.EventSessionClosed,
		Source: "gpcm",
		Payload: events.SessionClosedPayload{
			ConnID:    sess.ConnID(),
			ProfileID: pid,
			Reason:    sess.CloseReason(),
			Duration:  duration,
		},
	})
}
