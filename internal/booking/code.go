package booking

import (
	"crypto/rand"
	"fmt"
)

// Confirmation codes avoid 0/O and 1/I so they survive being read out loud.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const codeLength = 8

// newConfirmationCode generates an 8-character human-shareable code. With a
// 32-symbol alphabet the space is 32^8, so collisions are rare; the unique
// index on bookings catches the rest and the caller regenerates.
func newConfirmationCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate confirmation code: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}
