package gpcm

import (
	"context"
	"fmt"

	"github.com/energizer-project/gpcm/internal/protocol"
)

// statusPayload renders the body of a \bm\100\ status message.
func statusPayload(p Presence, ip uint32) string {
	return fmt.Sprintf("|s|%s|ss|%s|ls|%s|ip|%d|p|0|qm|0", p.Status, p.StatString, p.LocString, ip)
}

func statusMessage(from int, p Presence, ip uint32) *protocol.Message {
	return protocol.NewMessage(protocol.CmdBuddyMsg, protocol.BMStatus).
		AddInt("f", from).
		Add("msg", statusPayload(p, ip))
}

// broadcastStatus sends sess's current presence to every online buddy on
// its buddy list and returns how many were reached.
func (srv *Server) broadcastStatus(ctx context.Context, sess *Session) (int, error) {
	self := sess.ProfileID()
	buddies, err := srv.store.GetBuddyList(ctx, self)
	if err != nil {
		return 0, fmt.Errorf("buddy list of %d: %w", self, err)
	}

	msg := statusMessage(self, sess.Presence(), sess.IP())
	seen := map[int]bool{self: true}
	delivered := 0
	for _, b := range buddies {
		if seen[b.ProfileID] {
			continue
		}
		seen[b.ProfileID] = true

		peer, ok := srv.registry.Lookup(b.ProfileID)
		if !ok {
			continue
		}
		if peer.Deliver(msg) == SendOK {
			delivered++
		}
	}
	return delivered, nil
}

// sendBuddyStatuses tells a freshly logged in session the presence of every
// online buddy playing the same game.
func (srv *Server) sendBuddyStatuses(ctx context.Context, sess *Session) error {
	self := sess.ProfileID()
	buddies, err := srv.store.GetBuddyList(ctx, self)
	if err != nil {
		return fmt.Errorf("buddy list of %d: %w", self, err)
	}

	gameID := sess.GameID()
	seen := map[int]bool{self: true}
	for _, b := range buddies {
		if seen[b.ProfileID] {
			continue
		}
		seen[b.ProfileID] = true

		peer, ok := srv.registry.Lookup(b.ProfileID)
		if !ok || peer.GameID() != gameID {
			continue
		}
		if sess.Deliver(statusMessage(b.ProfileID, peer.Presence(), peer.IP())) != SendOK {
			return nil
		}
	}
	return nil
}
