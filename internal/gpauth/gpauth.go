// Package gpauth implements the GP login handshake: the server challenge
// sent at connect, verification of the client's response and the proof
// returned to the client.
//
// Both hashes use the historical construction
//
//	md5hex(h + 48 spaces + authtoken + first + second + h)
//
// where h = md5hex(token challenge). The response orders the challenges
// client, server; the proof orders them server, client.
package gpauth

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/energizer-project/gpcm/internal/util"
)

// ChallengeLength is the size of the server challenge.
const ChallengeLength = 8

var padding = strings.Repeat(" ", 48)

// Handshake holds the inputs of a single login attempt.
type Handshake struct {
	// ServerChallenge was issued at connect.
	ServerChallenge string
	// TokenChallenge is the challenge embedded in the decoded auth token.
	TokenChallenge string
	// ClientChallenge is the login message's own challenge field.
	ClientChallenge string
	// AuthToken is the raw, still encoded, token blob.
	AuthToken string
}

// IssueChallenge returns a fresh random server challenge.
func IssueChallenge() string {
	return util.RandomString(ChallengeLength, util.Uppercase)
}

// Response is the value a well-behaved client sends in the login message.
func (h Handshake) Response() string {
	return digest(h.TokenChallenge, h.AuthToken, h.ClientChallenge, h.ServerChallenge)
}

// Proof is the value the server returns so the client can verify it.
func (h Handshake) Proof() string {
	return digest(h.TokenChallenge, h.AuthToken, h.ServerChallenge, h.ClientChallenge)
}

// Verify reports whether response matches the expected client response.
func (h Handshake) Verify(response string) bool {
	expected := h.Response()
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(response))) == 1
}

func digest(tokenChallenge, authToken, first, second string) string {
	h := md5hex(tokenChallenge)

	var b strings.Builder
	b.Grow(2*len(h) + len(padding) + len(authToken) + len(first) + len(second))
	b.WriteString(h)
	b.WriteString(padding)
	b.WriteString(authToken)
	b.WriteString(first)
	b.WriteString(second)
	b.WriteString(h)
	return md5hex(b.String())
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
