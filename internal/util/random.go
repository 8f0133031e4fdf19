package util

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
)

// Character sets for RandomString.
const (
	Uppercase    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	Digits       = "0123456789"
	Alphanumeric = Uppercase + "abcdefghijklmnopqrstuvwxyz" + Digits
)

// RandomString returns n characters drawn uniformly from charset using
// crypto/rand.
func RandomString(n int, charset string) string {
	out := make([]byte, n)
	max := big.NewInt(int64(len(charset)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand unavailable: " + err.Error())
		}
		out[i] = charset[idx.Int64()]
	}
	return string(out)
}

// RandomHex returns 2*n lowercase hex characters.
func RandomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b)
}
