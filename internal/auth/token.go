package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
)

const (
	sessionIDPrefix = "sess_"
	sessionIDLen    = 32
	csrfTokenLen    = 64
	otpLen          = 6
)

var otpSpan = big.NewInt(900000)

// RandomToken returns length hex characters drawn from crypto/rand.
func RandomToken(length int) (string, error) {
	if length <= 0 {
		return "", nil
	}
	buf := make([]byte, (length+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf)[:length], nil
}

// RandomOTP returns a six digit code uniform over 100000-999999.
func RandomOTP() (string, error) {
	n, err := rand.Int(rand.Reader, otpSpan)
	if err != nil {
		return "", err
	}
	return n.Add(n, big.NewInt(100000)).String(), nil
}

func NewSessionID() (string, error) {
	tok, err := RandomToken(sessionIDLen)
	if err != nil {
		return "", err
	}
	return sessionIDPrefix + tok, nil
}

func NewCSRFToken() (string, error) {
	return RandomToken(csrfTokenLen)
}

// HashToken is the at-rest form of session ids and CSRF tokens.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
