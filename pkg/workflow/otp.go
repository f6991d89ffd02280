package workflow

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

// otpSpace is the code space for six-digit one-time codes.
var otpSpace = big.NewInt(1_000_000)

// newOTPCode draws a uniformly random six-digit code.
func newOTPCode() (string, error) {
	n, err := rand.Int(rand.Reader, otpSpace)
	if err != nil {
		return "", fmt.Errorf("workflow: otp entropy: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// hashOTPCode derives the stored bcrypt digest of a code. The plaintext is
// never persisted.
func hashOTPCode(code string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("workflow: hash otp code: %w", err)
	}
	return string(h), nil
}

// otpCodeMatches checks a submitted code against the stored digest.
func otpCodeMatches(hash, code string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil
}
