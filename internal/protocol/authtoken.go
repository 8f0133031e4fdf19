package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Console identifies the client hardware family inferred from the token.
type Console int

const (
	ConsoleNDS Console = 0
	ConsoleWii Console = 1
)

func (c Console) String() string {
	if c == ConsoleWii {
		return "wii"
	}
	return "nds"
}

// Auth token keys, as issued by the Nintendo authentication server.
const (
	TokenUserID     = "userid"
	TokenPassword   = "passwd"
	TokenBrandCode  = "gsbrcd"
	TokenChallenge  = "challenge"
	TokenSerial     = "csnum"
	TokenFriendCode = "cfc"
	TokenNetworkID  = "bssid"
	TokenDeviceName = "devname"
	TokenBirth      = "birth"
)

// TokenPrefix precedes the encoded body of every auth token.
const TokenPrefix = "NDS"

var errEmptyToken = errors.New("empty auth token")

// AuthToken is the decoded login credential blob.
type AuthToken struct {
	UserID     string
	Password   string
	BrandCode  string
	Challenge  string
	Serial     string
	FriendCode string
	NetworkID  string
	DeviceName string
	Birth      string

	present map[string]bool
}

// Has reports whether key was present in the token, even with an empty value.
func (t *AuthToken) Has(key string) bool {
	return t.present[key]
}

// Console infers the hardware family. The Wii sends no password and is the
// only console that carries a serial number or friend code.
func (t *AuthToken) Console() Console {
	if !t.Has(TokenPassword) || t.Has(TokenSerial) || t.Has(TokenFriendCode) {
		return ConsoleWii
	}
	return ConsoleNDS
}

// Secret returns the value used as the account password: the token's
// password, or the brand code for consoles that have none.
func (t *AuthToken) Secret() string {
	if t.Has(TokenPassword) {
		return t.Password
	}
	return t.BrandCode
}

// GameID is the region-independent game code: the first four characters of
// the brand code.
func (t *AuthToken) GameID() string {
	if len(t.BrandCode) <= 4 {
		return t.BrandCode
	}
	return t.BrandCode[:4]
}

// ParseAuthToken decodes "NDS" + base64(key\value|key\value...). Both the
// Nintendo alphabet ('.', '-', '*') and the standard one are accepted.
func ParseAuthToken(blob string) (*AuthToken, error) {
	body := strings.TrimPrefix(strings.TrimSpace(blob), TokenPrefix)
	if body == "" {
		return nil, errEmptyToken
	}

	raw, err := NASDecode(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode auth token: %w", err)
	}

	t := &AuthToken{present: make(map[string]bool)}
	for _, item := range strings.Split(string(raw), "|") {
		if item == "" {
			continue
		}
		key, value, _ := strings.Cut(item, "\\")
		t.present[key] = true

		switch key {
		case TokenUserID:
			t.UserID = value
		case TokenPassword:
			t.Password = value
		case TokenBrandCode:
			t.BrandCode = value
		case TokenChallenge:
			t.Challenge = value
		case TokenSerial:
			t.Serial = value
		case TokenFriendCode:
			t.FriendCode = value
		case TokenNetworkID:
			t.NetworkID = value
		case TokenDeviceName:
			t.DeviceName = value
		case TokenBirth:
			t.Birth = value
		}
	}

	for _, key := range []string{TokenUserID, TokenBrandCode, TokenChallenge} {
		if !t.present[key] {
			return nil, fmt.Errorf("auth token is missing %q", key)
		}
	}
	return t, nil
}

// EncodeAuthToken builds a token blob from ordered fields, the inverse of
// ParseAuthToken.
func EncodeAuthToken(fields []Field) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f.Key+"\\"+f.Value)
	}
	return TokenPrefix + NASEncode([]byte(strings.Join(parts, "|")))
}

var (
	nasEncoder = strings.NewReplacer("+", ".", "/", "-", "=", "*")
	nasDecoder = strings.NewReplacer(".", "+", "-", "/", "*", "=")
	gsEncoder  = strings.NewReplacer("+", "[", "/", "]", "=", "_")
)

// NASEncode is base64 with the authentication server's URL-safe alphabet.
func NASEncode(data []byte) string {
	return nasEncoder.Replace(base64.StdEncoding.EncodeToString(data))
}

// NASDecode reverses NASEncode.
func NASDecode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(nasDecoder.Replace(s))
}

// GSEncode is base64 with GameSpy's alphabet ('[', ']', '_').
func GSEncode(data []byte) string {
	return gsEncoder.Replace(base64.StdEncoding.EncodeToString(data))
}
