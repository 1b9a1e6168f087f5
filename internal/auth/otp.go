package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"portal/internal/models"
)

var ErrInvalidPurpose = errors.New("invalid otp purpose")

type OTPStore interface {
	ReplaceOTP(ctx context.Context, otp models.OTPCode) error
	ConsumeOTP(ctx context.Context, email string, purpose models.Purpose, codeHash string, now time.Time) (bool, error)
}

// OTPManager issues and verifies single-use codes scoped to an email and a
// purpose. Codes are stored as keyed BLAKE2b-256 digests.
type OTPManager struct {
	store OTPStore
	key   [32]byte
	ttl   time.Duration
	now   func() time.Time
}

func NewOTPManager(st OTPStore, pepper string, ttl time.Duration) *OTPManager {
	return &OTPManager{
		store: st,
		key:   blake2b.Sum256([]byte(pepper)),
		ttl:   ttl,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (m *OTPManager) WithClock(now func() time.Time) *OTPManager {
	m.now = now
	return m
}

func (m *OTPManager) TTL() time.Duration { return m.ttl }

// CreateOTP supersedes any unused code for (email, purpose) and returns the
// new plaintext code for delivery.
func (m *OTPManager) CreateOTP(ctx context.Context, email string, purpose models.Purpose) (string, error) {
	if !purpose.Valid() {
		return "", ErrInvalidPurpose
	}
	code, err := RandomOTP()
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	now := m.now()
	err = m.store.ReplaceOTP(ctx, models.OTPCode{
		Email:     email,
		CodeHash:  m.digest(email, purpose, code),
		Purpose:   purpose,
		ExpiresAt: now.Add(m.ttl),
		CreatedAt: now,
	})
	if err != nil {
		return "", fmt.Errorf("store otp: %w", err)
	}
	return code, nil
}

// VerifyOTP consumes the matching code. A false result does not say whether
// the code was wrong, expired, used or never issued.
func (m *OTPManager) VerifyOTP(ctx context.Context, email, code string, purpose models.Purpose) (bool, error) {
	if !purpose.Valid() || len(code) != otpLen {
		return false, nil
	}
	return m.store.ConsumeOTP(ctx, email, purpose, m.digest(email, purpose, code), m.now())
}

func (m *OTPManager) digest(email string, purpose models.Purpose, code string) string {
	h, _ := blake2b.New256(m.key[:])
	h.Write([]byte(email))
	h.Write([]byte{0})
	h.Write([]byte(purpose))
	h.Write([]byte{0})
	h.Write([]byte(code))
	return hex.EncodeToString(h.Sum(nil))
}
