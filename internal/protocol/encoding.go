package protocol

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	base32Alphabet = "0123456789abcdefghijklmnopqrstuv"
	base32Width    = 9
)

// Base32 renders n with the lowercase 0-9a-v alphabet, most significant
// digit first, left-padded with '0' to nine characters.
func Base32(n uint64) string {
	var buf [13]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = base32Alphabet[n&0x1f]
		n >>= 5
	}
	s := string(buf[i:])
	if len(s) < base32Width {
		s = strings.Repeat("0", base32Width-len(s)) + s
	}
	return s
}

// UniqueNick derives the deterministic unique nickname for a console user:
// base32(userid) followed by the brand code.
func UniqueNick(userID, brandCode string) (string, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(userID), 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid user id %q: %w", userID, err)
	}
	return Base32(n) + brandCode, nil
}

// NickEmail is the synthetic email identifier stored for console accounts.
// Wii accounts use the same suffix.
func NickEmail(uniqueNick string) string {
	return uniqueNick + "@nds"
}

// PackIPv4 interprets a dotted quad as a big-endian 32-bit integer.
// Anything that is not an IPv4 address packs to 0.
func PackIPv4(host string) uint32 {
	ip := net.ParseIP(host)
	if ip == nil {
		return 0
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}
