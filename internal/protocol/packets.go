// Package protocol implements the GameSpy presence wire format: backslash
// delimited key/value messages terminated by a "final" field, plus the
// auth-token and encoding helpers used by the login handshake.
//
// A message on the wire looks like:
//
//	\lc\1\challenge\ABCDEFGH\id\1\final\
//
// The first token is the command, the second the command qualifier, the rest
// are key/value pairs.
package protocol

// Session protocol commands (client -> server).
const (
	CmdLogin      = "login"
	CmdLogout     = "logout"
	CmdGetProfile = "getprofile"
	CmdUpdatePro  = "updatepro"
	CmdKeepAlive  = "ka"
	CmdStatus     = "status"
	CmdBuddyMsg   = "bm"
	CmdAddBuddy   = "addbuddy"
	CmdAuthAdd    = "authadd"
)

// Session protocol replies (server -> client).
const (
	CmdLoginChallenge = "lc" // qualifier 1 = challenge, 2 = login accepted
	CmdProfileInfo    = "pi"
	CmdError          = "error"
)

// Search protocol commands.
const (
	CmdOthersList = "otherslist"
)

// Buddy message qualifiers.
const (
	BMMessage = "1"
	BMRequest = "2"
	BMStatus  = "100"
)

// Login challenge qualifiers.
const (
	LCChallenge = "1"
	LCAccepted  = "2"
)

// GP error codes sent in \error\ replies.
const (
	ErrLoginBadPassword = 260
	ErrAlreadyBuddy     = 1539
)

// FinalKey terminates every message.
const FinalKey = "final"

// DefaultMaxBufferSize bounds the bytes a Decoder will hold while waiting
// for a message terminator.
const DefaultMaxBufferSize = 64 * 1024
