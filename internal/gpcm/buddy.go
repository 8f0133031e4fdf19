package gpcm

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/energizer-project/gpcm/internal/events"
	"github.com/energizer-project/gpcm/internal/protocol"
	"github.com/energizer-project/gpcm/internal/store"
	"github.com/energizer-project/gpcm/internal/util"
)

func (srv *Server) handleStatus(ctx context.Context, sess *Session, msg protocol.Message) error {
	p := Presence{
		Status:     msg.Qualifier,
		StatString: msg.GetDefault("statstring", ""),
		LocString:  msg.GetDefault("locstring", ""),
	}
	sess.setPresence(p)

	n, err := srv.broadcastStatus(ctx, sess)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	sess.Logger().Debug().
		Str("status", p.Status).
		Str("statstring", p.StatString).
		Int("recipients", n).
		Msg("status broadcast")

	code, err := strconv.Atoi(p.Status)
	if err != nil {
		sess.Logger().Debug().Str("status", p.Status).Msg("non-numeric status code")
	}
	srv.emit(ctx, events.EventPlayerStatus, events.StatusPayload{
		ProfileID:  sess.ProfileID(),
		GameID:     sess.GameID(),
		Qualifier:  p.Status,
		Status:     events.PresenceStatus(code),
		StatString: p.StatString,
		LocString:  p.LocString,
		Recipients: n,
	})
	return nil
}

func (srv *Server) handleBuddyMessage(ctx context.Context, sess *Session, msg protocol.Message) error {
	if msg.Qualifier != protocol.BMMessage {
		sess.Logger().Debug().Str("qualifier", msg.Qualifier).Msg("ignoring buddy message type")
		return nil
	}

	to, err := msg.GetInt("t")
	if err != nil {
		return err
	}

	from := sess.ProfileID()
	delivered := false
	if peer, ok := srv.registry.Lookup(to); ok {
		relay := protocol.NewMessage(protocol.CmdBuddyMsg, protocol.BMMessage).
			AddInt("f", from).
			Add("msg", msg.GetDefault("msg", ""))
		delivered = peer.Deliver(relay) == SendOK
	} else {
		sess.Logger().Debug().Int("to", to).Msg("recipient offline, message dropped")
	}

	srv.emit(ctx, events.EventBuddyMessage, events.BuddyMessagePayload{
		From:      from,
		To:        to,
		Delivered: delivered,
	})
	return nil
}

func (srv *Server) handleAddBuddy(ctx context.Context, sess *Session, msg protocol.Message) error {
	target, err := msg.GetInt("newprofileid")
	if err != nil {
		return err
	}
	owner := sess.ProfileID()

	buddies, err := srv.store.GetBuddyList(ctx, owner)
	if err != nil {
		return fmt.Errorf("addbuddy: %w", err)
	}
	for _, b := range buddies {
		if b.ProfileID == target {
			sess.Deliver(protocol.NewError(protocol.ErrAlreadyBuddy, msgAlreadyBuddy, false).Add("id", replyID(msg)))
			return nil
		}
	}

	if err := srv.store.AddBuddy(ctx, owner, target); err != nil {
		return fmt.Errorf("addbuddy: %w", err)
	}

	if peer, ok := srv.registry.Lookup(target); ok {
		request := msg.GetDefault("reason", "") + "|signed|" + util.RandomHex(16)
		peer.Deliver(protocol.NewMessage(protocol.CmdBuddyMsg, protocol.BMRequest).
			AddInt("f", owner).
			Add("msg", request))
	}

	sess.Logger().Info().Int("buddy", target).Msg("buddy requested")
	srv.emit(ctx, events.EventBuddyRequest, events.BuddyPayload{From: owner, To: target})
	return nil
}

func (srv *Server) handleAuthAdd(ctx context.Context, sess *Session, msg protocol.Message) error {
	from, err := msg.GetInt("fromprofileid")
	if err != nil {
		return err
	}
	self := sess.ProfileID()

	err = srv.store.AuthBuddy(ctx, self, from)
	if errors.Is(err, store.ErrRelationNotFound) {
		sess.Logger().Warn().Int("from", from).Msg("authadd without a pending request")
		return nil
	}
	if err != nil {
		return fmt.Errorf("authadd: %w", err)
	}

	if peer, ok := srv.registry.Lookup(from); ok {
		peer.Deliver(protocol.NewMessage(protocol.CmdBuddyMsg, protocol.BMMessage).
			AddInt("f", self).
			Add("msg", msgAuthorized))
	}

	sess.Logger().Info().Int("from", from).Msg("buddy request authorized")
	srv.emit(ctx, events.EventBuddyAuthorized, events.BuddyPayload{From: from, To: self})
	return nil
}
