package gpcm

import (
	"context"
	"errors"
	"fmt"

	"github.com/energizer-project/gpcm/internal/events"
	"github.com/energizer-project/gpcm/internal/gpauth"
	"github.com/energizer-project/gpcm/internal/protocol"
	"github.com/energizer-project/gpcm/internal/store"
	"github.com/energizer-project/gpcm/internal/util"
)

const (
	msgBadPassword  = "The password provided is incorrect."
	msgAlreadyBuddy = "The profile requested is already a buddy."
	msgAuthorized   = "I have authorized your request to add me to your list"
)

func (srv *Server) emit(ctx context.Context, t events.EventType, payload interface{}) {
	srv.bus.Emit(ctx, events.Event{Type: t, Source: "gpcm", Payload: payload})
}

// replyID echoes the client's transaction id.
func replyID(msg protocol.Message) string {
	return msg.GetDefault("id", "1")
}

func (srv *Server) handleLogin(ctx context.Context, sess *Session, msg protocol.Message) error {
	if sess.State() != StateAwaitingAuth {
		sess.Logger().Warn().Msg("login on an authenticated session, ignoring")
		return nil
	}

	blob, err := msg.Require("authtoken")
	if err != nil {
		return err
	}
	clientChallenge, err := msg.Require("challenge")
	if err != nil {
		return err
	}

	token, err := protocol.ParseAuthToken(blob)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	nick, err := protocol.UniqueNick(token.UserID, token.BrandCode)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	hs := gpauth.Handshake{
		ServerChallenge: sess.Challenge(),
		TokenChallenge:  token.Challenge,
		ClientChallenge: clientChallenge,
		AuthToken:       blob,
	}
	response := msg.GetDefault("response", "")
	verified := hs.Verify(response)
	if !verified {
		sess.Logger().Warn().
			Str("got", response).
			Str("expected", hs.Response()).
			Bool("strict", srv.opts.StrictAuth).
			Msg("login response does not verify")
		if srv.opts.StrictAuth {
			sess.Deliver(protocol.NewError(protocol.ErrLoginBadPassword, msgBadPassword, true).Add("id", replyID(msg)))
			return nil
		}
	}

	exists, err := srv.store.UserExists(ctx, token.UserID, token.BrandCode)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	var profileID int
	if exists {
		profileID, err = srv.store.Login(ctx, token.UserID, token.Secret(), token.BrandCode)
	} else {
		profileID, err = srv.store.CreateUser(ctx, store.NewUser{
			UserID:     token.UserID,
			Password:   token.Secret(),
			Email:      protocol.NickEmail(nick),
			UniqueNick: nick,
			BrandCode:  token.BrandCode,
			Console:    int(token.Console()),
			Serial:     token.Serial,
			FriendCode: token.FriendCode,
			NetworkID:  token.NetworkID,
			DeviceName: token.DeviceName,
			Birth:      token.Birth,
		})
	}
	if errors.Is(err, store.ErrInvalidCredentials) {
		sess.Logger().Warn().Str("userid", token.UserID).Msg("login rejected, bad password")
		sess.Deliver(protocol.NewError(protocol.ErrLoginBadPassword, msgBadPassword, true).Add("id", replyID(msg)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	sessionKey, err := srv.store.CreateSession(ctx, profileID)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	gameID := token.GameID()
	if !sess.authenticate(profileID, token.UserID, nick, gameID, sessionKey) {
		return nil
	}
	if prev := srv.registry.Register(profileID, sess); prev != nil && prev != Peer(sess) {
		sess.Logger().Info().Str("previous", prev.Info().ConnID).Msg("replaced existing session")
	}

	sess.Deliver(protocol.NewMessage(protocol.CmdLoginChallenge, protocol.LCAccepted).
		Add("sesskey", sessionKey).
		Add("proof", hs.Proof()).
		Add("userid", token.UserID).
		AddInt("profileid", profileID).
		Add("uniquenick", nick).
		Add("lt", protocol.GSEncode([]byte(util.RandomString(16, util.Alphanumeric)))).
		Add("id", replyID(msg)))

	sess.Logger().Info().
		Str("userid", token.UserID).
		Str("uniquenick", nick).
		Str("gameid", gameID).
		Str("console", token.Console().String()).
		Bool("new_account", !exists).
		Msg("login accepted")

	srv.emit(ctx, events.EventPlayerLogin, events.LoginPayload{
		ProfileID:  profileID,
		UserID:     token.UserID,
		UniqueNick: nick,
		GameID:     gameID,
		Console:    token.Console().String(),
		RemoteIP:   sess.conn.RemoteIP(),
		NewAccount: !exists,
		Verified:   verified,
	})

	if err := srv.sendBuddyStatuses(ctx, sess); err != nil {
		sess.Logger().Error().Err(err).Msg("fetching buddy statuses failed")
	}
	return nil
}

func (srv *Server) handleLogout(ctx context.Context, sess *Session, msg protocol.Message) error {
	own := sess.SessionKey()
	key := msg.GetDefault("sesskey", own)
	if key == "" {
		return &protocol.MissingFieldError{Command: msg.Command, Key: "sesskey"}
	}

	err := srv.store.DeleteSession(ctx, key)
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		sess.Logger().Warn().Str("sesskey", key).Msg("logout for unknown session")
	case err != nil:
		return fmt.Errorf("logout: %w", err)
	}

	if key == own {
		sess.clearSessionKey()
	}
	sess.Logger().Info().Str("sesskey", key).Msg("logged out")
	srv.emit(ctx, events.EventPlayerLogout, events.LogoutPayload{ProfileID: sess.ProfileID()})
	return nil
}

func (srv *Server) handleGetProfile(ctx context.Context, sess *Session, msg protocol.Message) error {
	profileID, err := msg.GetInt("profileid")
	if err != nil {
		return err
	}

	profile, err := srv.store.GetProfileByProfileID(ctx, profileID)
	if errors.Is(err, store.ErrProfileNotFound) {
		sess.Logger().Warn().Int("target", profileID).Msg("getprofile for unknown profile")
		return nil
	}
	if err != nil {
		return fmt.Errorf("getprofile: %w", err)
	}

	reply := protocol.NewMessage(protocol.CmdProfileInfo, "").
		AddInt("profileid", profile.ProfileID).
		Add("nick", profile.UniqueNick).
		Add("userid", profile.UserID).
		Add("email", profile.Email).
		Add("sig", util.RandomHex(16)).
		Add("uniquenick", profile.UniqueNick).
		Add("pid", profile.Pid)
	// Only Wii profiles carry a first name.
	if profile.FirstName != "" {
		reply.Add("firstname", profile.FirstName)
	}
	reply.Add("lastname", profile.LastName).
		Add("lon", profile.Lon).
		Add("lat", profile.Lat).
		Add("loc", profile.Loc).
		Add("id", replyID(msg))

	sess.Deliver(reply)
	return nil
}

func (srv *Server) handleUpdatePro(ctx context.Context, sess *Session, msg protocol.Message) error {
	key := msg.GetDefault("sesskey", sess.SessionKey())
	if key == "" {
		return &protocol.MissingFieldError{Command: msg.Command, Key: "sesskey"}
	}

	var fields []store.Field
	for _, f := range msg.Without("sesskey", "partnerid", "id") {
		fields = append(fields, store.Field{Key: f.Key, Value: f.Value})
	}
	if len(fields) == 0 {
		return nil
	}

	if err := srv.store.UpdateProfile(ctx, key, fields); err != nil {
		return fmt.Errorf("updatepro: %w", err)
	}
	sess.Logger().Debug().Int("fields", len(fields)).Msg("profile updated")
	return nil
}

func (srv *Server) handleKeepAlive(ctx context.Context, sess *Session, msg protocol.Message) error {
	return nil
}
