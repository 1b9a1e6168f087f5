package models

import "time"

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Purpose scopes an OTP code. A code issued for one purpose never verifies for another.
type Purpose string

const (
	PurposeLogin         Purpose = "login"
	PurposeRegister      Purpose = "register"
	PurposeResetPassword Purpose = "reset_password"
)

func (p Purpose) Valid() bool {
	switch p {
	case PurposeLogin, PurposeRegister, PurposeResetPassword:
		return true
	}
	return false
}

type User struct {
	ID            string
	Email         string
	Name          string
	Role          Role
	Active        bool
	EmailVerified bool
	LastLoginAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PublicUser is the profile returned to clients after authentication.
type PublicUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  Role   `json:"role"`
}

func (u User) Public() PublicUser {
	return PublicUser{ID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role}
}

// Session is a server-side login session. ID is the SHA-256 digest of the
// cookie value; the raw value is never stored.
type Session struct {
	ID           string
	UserID       string
	IPAddress    string
	UserAgent    string
	Active       bool
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastActivity time.Time
}

// ValidAt reports whether the session is active and unexpired at now.
func (s Session) ValidAt(now time.Time) bool {
	return s.Active && now.Before(s.ExpiresAt)
}

type OTPCode struct {
	ID        string
	Email     string
	CodeHash  string
	Purpose   Purpose
	Used      bool
	ExpiresAt time.Time
	CreatedAt time.Time
}

type CSRFToken struct {
	TokenHash string
	SessionID *string
	ExpiresAt time.Time
	CreatedAt time.Time
}

type LoginAttempt struct {
	ID        string
	Email     *string
	IPAddress string
	UserAgent string
	Success   bool
	CreatedAt time.Time
}
