package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleToken = "NDSdXNlcmlkXDIwMDAwMDAwMDAwMDB8cGFzc3dkXDEyM3xnc2JyY2RcQURBSjEyMzQ1fGNoYWxsZW5nZVxBQkNERUZHSA**"

func TestParseAuthToken_NDS(t *testing.T) {
	tok, err := ParseAuthToken(sampleToken)
	require.NoError(t, err)

	assert.Equal(t, "2000000000000", tok.UserID)
	assert.Equal(t, "123", tok.Password)
	assert.Equal(t, "ADAJ12345", tok.BrandCode)
	assert.Equal(t, "ABCDEFGH", tok.Challenge)
	assert.Equal(t, ConsoleNDS, tok.Console())
	assert.Equal(t, "123", tok.Secret())
	assert.Equal(t, "ADAJ", tok.GameID())
}

func TestEncodeAuthToken_MatchesWireForm(t *testing.T) {
	blob := EncodeAuthToken([]Field{
		{Key: TokenUserID, Value: "2000000000000"},
		{Key: TokenPassword, Value: "123"},
		{Key: TokenBrandCode, Value: "ADAJ12345"},
		{Key: TokenChallenge, Value: "ABCDEFGH"},
	})
	assert.Equal(t, sampleToken, blob)
}

func TestParseAuthToken_Wii(t *testing.T) {
	tests := []struct {
		name   string
		fields []Field
		secret string
	}{
		{
			name: "no password",
			fields: []Field{
				{Key: TokenUserID, Value: "1"},
				{Key: TokenBrandCode, Value: "RMCJ"},
				{Key: TokenChallenge, Value: "X"},
			},
			secret: "RMCJ",
		},
		{
			name: "serial present",
			fields: []Field{
				{Key: TokenUserID, Value: "1"},
				{Key: TokenPassword, Value: "p"},
				{Key: TokenBrandCode, Value: "RMCJ"},
				{Key: TokenChallenge, Value: "X"},
				{Key: TokenSerial, Value: ""},
			},
			secret: "p",
		},
		{
			name: "friend code present",
			fields: []Field{
				{Key: TokenUserID, Value: "1"},
				{Key: TokenPassword, Value: "p"},
				{Key: TokenBrandCode, Value: "RMCJ"},
				{Key: TokenChallenge, Value: "X"},
				{Key: TokenFriendCode, Value: "1234"},
				{Key: TokenDeviceName, Value: "wii"},
			},
			secret: "p",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok, err := ParseAuthToken(EncodeAuthToken(tt.fields))
			require.NoError(t, err)
			assert.Equal(t, ConsoleWii, tok.Console())
			assert.Equal(t, tt.secret, tok.Secret())
		})
	}
}

func TestParseAuthToken_Errors(t *testing.T) {
	_, err := ParseAuthToken("")
	assert.Error(t, err)

	_, err = ParseAuthToken("NDS")
	assert.Error(t, err)

	_, err = ParseAuthToken("NDS!!!!")
	assert.Error(t, err)

	_, err = ParseAuthToken(EncodeAuthToken([]Field{{Key: TokenUserID, Value: "1"}}))
	assert.ErrorContains(t, err, "gsbrcd")
}

func TestNintendoBase64(t *testing.T) {
	assert.Equal(t, ".--.", NASEncode([]byte{0xfb, 0xff, 0xfe}))
	assert.Equal(t, "YWI*", NASEncode([]byte("ab")))
	assert.Equal(t, "YWI_", GSEncode([]byte("ab")))
	assert.Equal(t, "[]][", GSEncode([]byte{0xfb, 0xff, 0xfe}))

	raw, err := NASDecode(".--.")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xfb, 0xff, 0xfe}, raw)
}
