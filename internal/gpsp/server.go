// Package gpsp implements the GP search service. It is stateless: each
// otherslist request is answered from the profile store.
package gpsp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gpcm/internal/events"
	"github.com/energizer-project/gpcm/internal/network"
	"github.com/energizer-project/gpcm/internal/protocol"
	"github.com/energizer-project/gpcm/internal/store"
)

// ProfileFinder is the part of the profile store the search service needs.
type ProfileFinder interface {
	GetProfileByProfileID(ctx context.Context, profileID int) (*store.Profile, error)
}

// Options tunes the search listener.
type Options struct {
	IdleTimeout    time.Duration
	MaxBufferBytes int
	// NickCacheSize bounds the profile id -> unique nick cache.
	NickCacheSize int
}

// Server answers search requests. It implements network.Handler.
type Server struct {
	profiles ProfileFinder
	bus      *events.EventBus
	opts     Options
	nicks    *lru.Cache[int, string]
	logger   zerolog.Logger
}

// NewServer creates a search Server. bus may be nil.
func NewServer(profiles ProfileFinder, bus *events.EventBus, opts Options) (*Server, error) {
	if opts.NickCacheSize < 1 {
		opts.NickCacheSize = 4096
	}
	cache, err := lru.New[int, string](opts.NickCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create nick cache: %w", err)
	}
	return &Server{
		profiles: profiles,
		bus:      bus,
		opts:     opts,
		nicks:    cache,
		logger:   log.With().Str("component", "gpsp").Logger(),
	}, nil
}

// ServeConn answers requests on one search connection until it closes.
func (srv *Server) ServeConn(ctx context.Context, conn *network.Connection) {
	logger := conn.Logger().With().Str("component", "gpsp").Logger()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	dec := protocol.NewDecoder(srv.opts.MaxBufferBytes)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf, srv.opts.IdleTimeout)
		if n > 0 {
			logger.Debug().Str("data", string(buf[:n])).Msg("search request")

			msgs, ferr := dec.Feed(buf[:n])
			if ferr != nil {
				logger.Warn().Err(ferr).Msg("dropped malformed message")
			}
			for _, msg := range msgs {
				if msg.Command != protocol.CmdOthersList {
					logger.Warn().Str("command", msg.Command).Msg("unknown search command, ignoring")
					continue
				}
				if werr := conn.Write(srv.OthersList(ctx, msg).Bytes()); werr != nil {
					logger.Debug().Err(werr).Msg("search reply failed")
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !network.IsTimeout(err) && !conn.IsClosed() {
				logger.Debug().Err(err).Msg("search connection read failed")
			}
			return
		}
	}
}

// OthersList resolves the unique nick of every requested profile id, in
// request order. Ids that do not parse or resolve are left out.
func (srv *Server) OthersList(ctx context.Context, msg protocol.Message) *protocol.Message {
	reply := protocol.NewMessage(protocol.CmdOthersList, "")

	opids, hasIDs := msg.Get("opids")
	numRaw, hasNum := msg.Get("numopids")
	if !hasIDs || !hasNum {
		return reply.Add("oldone", "")
	}

	ids := strings.Split(opids, "|")
	if num, err := strconv.Atoi(strings.TrimSpace(numRaw)); err != nil || num != len(ids) {
		srv.logger.Warn().
			Str("numopids", numRaw).
			Int("got", len(ids)).
			Msg("unexpected number of opids")
	}

	resolved := 0
	for _, raw := range ids {
		id, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		nick, ok := srv.uniqueNick(ctx, id)
		if !ok {
			continue
		}
		reply.AddInt("o", id).Add("uniquenick", nick)
		resolved++
	}

	srv.bus.Emit(ctx, events.Event{
		Type:    events.EventProfileSearch,
		Source:  "gpsp",
		Payload: events.SearchPayload{Requested: len(ids), Resolved: resolved},
	})
	return reply.Add("oldone", "")
}

// uniqueNick consults the cache first. Unique nicks never change, so
// entries are never invalidated.
func (srv *Server) uniqueNick(ctx context.Context, id int) (string, bool) {
	if nick, ok := srv.nicks.Get(id); ok {
		return nick, true
	}

	profile, err := srv.profiles.GetProfileByProfileID(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrProfileNotFound) {
			srv.logger.Error().Err(err).Int("profileid", id).Msg("profile lookup failed")
		}
		return "", false
	}

	srv.nicks.Add(id, profile.UniqueNick)
	return profile.UniqueNick, true
}

// CachedNicks returns the number of cached nicknames.
func (srv *Server) CachedNicks() int {
	return srv.nicks.Len()
}
